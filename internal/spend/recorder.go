package spend

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modelriver/modelriver/internal/adapter"
	"github.com/modelriver/modelriver/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	writeTimeout  = 10 * time.Second
)

// Record is one terminated request awaiting spend accounting.
type Record struct {
	RequestID    string
	APIKeyID     *uuid.UUID
	UserID       *uuid.UUID
	TeamID       *uuid.UUID
	OrgID        *uuid.UUID
	Model        string
	Provider     string
	EndpointType string
	Usage        adapter.Usage
	LatencyMs    int64
	Status       string
	Error        string
	CreatedAt    time.Time
}

// Mirror receives spend rows after the authoritative Postgres write; failures
// are logged and dropped.
type Mirror interface {
	Insert(ctx context.Context, logs []store.SpendLog) error
}

// Recorder accepts records on a buffered channel and flushes them in batches
// so the request hot path never blocks on accounting I/O. A full channel
// drops new records and counts them.
type Recorder struct {
	store   store.Store
	pricing *PricingManager
	mirror  Mirror
	log     *slog.Logger

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	onDrop  func()
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithDropHook registers a callback invoked once per dropped record, after the
// internal counter is bumped.
func WithDropHook(fn func()) RecorderOption {
	return func(r *Recorder) { r.onDrop = fn }
}

func NewRecorder(st store.Store, pricing *PricingManager, mirror Mirror, log *slog.Logger, opts ...RecorderOption) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		store:   st,
		pricing: pricing,
		mirror:  mirror,
		log:     log,
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues one spend record without blocking.
func (r *Recorder) Record(rec Record) {
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

// Dropped reports how many records were lost to backpressure.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close drains the channel and flushes everything queued.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			r.flush(batch)
			batch = batch[:0]

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						r.flush(batch)
						batch = batch[:0]
					}
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes each record's log row and counters; failures never propagate
// past this point.
func (r *Recorder) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	mirrored := make([]store.SpendLog, 0, len(batch))
	for _, rec := range batch {
		cost := r.pricing.Cost(ctx, rec.Model, rec.Usage)
		log := store.SpendLog{
			ID:               uuid.New(),
			RequestID:        rec.RequestID,
			APIKeyID:         rec.APIKeyID,
			UserID:           rec.UserID,
			TeamID:           rec.TeamID,
			OrgID:            rec.OrgID,
			Model:            rec.Model,
			Provider:         rec.Provider,
			EndpointType:     rec.EndpointType,
			PromptTokens:     rec.Usage.PromptTokens,
			CompletionTokens: rec.Usage.CompletionTokens,
			TotalTokens:      rec.Usage.TotalTokens,
			Spend:            cost,
			LatencyMs:        rec.LatencyMs,
			Status:           rec.Status,
			Error:            rec.Error,
			CreatedAt:        normalizeTime(rec.CreatedAt),
		}
		if err := r.store.RecordSpend(ctx, &log); err != nil {
			r.log.Error("spend recording failed",
				slog.String("request_id", rec.RequestID),
				slog.String("model", rec.Model),
				slog.String("error", err.Error()))
			continue
		}
		mirrored = append(mirrored, log)
	}

	if r.mirror != nil && len(mirrored) > 0 {
		if err := r.mirror.Insert(ctx, mirrored); err != nil {
			r.log.Warn("spend mirror insert failed",
				slog.Int("rows", len(mirrored)),
				slog.String("error", err.Error()))
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
