package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/modelriver/modelriver/internal/adapter"
	"github.com/modelriver/modelriver/internal/deploycache"
	"github.com/modelriver/modelriver/internal/secrets"
	"github.com/modelriver/modelriver/internal/store"
)

type fakeAdapter struct {
	name   string
	chat   func(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error)
	stream func(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error)
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Capabilities() map[adapter.Capability]bool {
	return map[adapter.Capability]bool{adapter.CapChat: true, adapter.CapStreaming: true}
}
func (f *fakeAdapter) ModelTypes() []adapter.ModelType {
	return []adapter.ModelType{adapter.ModelTypeChat}
}
func (f *fakeAdapter) SupportsModel(string) bool { return true }

func (f *fakeAdapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	return f.chat(ctx, req, creds)
}

func (f *fakeAdapter) Stream(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error) {
	if f.stream == nil {
		return nil, adapter.E(adapter.KindAPI, f.name, "stream not wired")
	}
	return f.stream(ctx, req, creds)
}

type fixtureStore struct {
	store.Store
	rows map[string][]store.DeploymentRow
}

func (f *fixtureStore) ActiveDeployments(_ context.Context, model, _ string) ([]store.DeploymentRow, error) {
	return f.rows[model], nil
}

func (f *fixtureStore) TeamProviderAccess(context.Context, uuid.UUID) (map[uuid.UUID]bool, error) {
	return map[uuid.UUID]bool{}, nil
}

type fixture struct {
	router  *Router
	tracker *Tracker
	ids     map[string]uuid.UUID // deployment name → id
}

// newFixture wires a router over in-memory deployments. Each spec entry is
// (name, model, providerType).
func newFixture(t *testing.T, cfg Config, adapters []adapter.Adapter, deployments [][3]string) *fixture {
	t.Helper()
	box, err := secrets.New("router-test")
	if err != nil {
		t.Fatal(err)
	}

	rows := make(map[string][]store.DeploymentRow)
	ids := make(map[string]uuid.UUID)
	for _, d := range deployments {
		name, model, ptype := d[0], d[1], d[2]
		key, _ := box.Encrypt("sk-" + name)
		id := uuid.New()
		ids[name] = id
		rows[model] = append(rows[model], store.DeploymentRow{Deployment: store.ModelDeployment{
			ID:            id,
			ModelName:     model,
			ProviderModel: model + "-upstream",
			ModelType:     "chat",
			ProviderType:  ptype,
			EncryptedKey:  key,
			Priority:      1,
			IsActive:      true,
		}})
	}

	reg := adapter.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}

	cache := deploycache.New(&fixtureStore{rows: rows}, box, time.Minute, nil)
	tracker := NewTracker(time.Minute, 3)
	r := New(cache, tracker, reg, cfg)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{router: r, tracker: tracker, ids: ids}
}

func okResponse(model string) *adapter.CompletionResponse {
	return &adapter.CompletionResponse{
		Model: model,
		Choices: []adapter.Choice{{
			Message:      adapter.Message{Role: "assistant", Content: adapter.Text("hi")},
			FinishReason: adapter.FinishStop,
		}},
		Usage: adapter.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestCompleteHappyPath(t *testing.T) {
	var gotModel, gotKey string
	oa := &fakeAdapter{name: "openai", chat: func(_ context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
		gotModel, gotKey = req.Model, creds.APIKey
		return okResponse(req.Model), nil
	}}
	fx := newFixture(t, Config{}, []adapter.Adapter{oa}, [][3]string{{"d1", "gpt-4o-mini", "openai"}})

	resp, disp, err := fx.router.Complete(context.Background(),
		&adapter.CompletionRequest{Model: "gpt-4o-mini", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("hello")}}},
		nil, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotModel != "gpt-4o-mini-upstream" {
		t.Errorf("adapter saw model %q, want provider_model substitution", gotModel)
	}
	if gotKey != "sk-d1" {
		t.Errorf("adapter saw key %q", gotKey)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("response model %q, want the public name restored", resp.Model)
	}
	if disp.Provider != "openai" || disp.Attempts != 1 {
		t.Errorf("dispatch = %+v", disp)
	}
	if n := fx.tracker.InFlight(fx.ids["d1"]); n != 0 {
		t.Errorf("in-flight = %d after completion, want 0", n)
	}
}

func TestRetryOn429ThenSuccess(t *testing.T) {
	var calls atomic.Int32
	oa := &fakeAdapter{name: "openai", chat: func(_ context.Context, req *adapter.CompletionRequest, _ adapter.Credentials) (*adapter.CompletionResponse, error) {
		if calls.Add(1) == 1 {
			return nil, &adapter.Error{Kind: adapter.KindRateLimit, Provider: "openai", Message: "slow down", Status: 429}
		}
		return okResponse(req.Model), nil
	}}
	fx := newFixture(t, Config{NumRetries: 2}, []adapter.Adapter{oa},
		[][3]string{{"d1", "m", "openai"}, {"d2", "m", "openai"}})

	_, disp, err := fx.router.Complete(context.Background(),
		&adapter.CompletionRequest{Model: "m", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if disp.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", disp.Attempts)
	}
	failed := fx.tracker.FailureCount(fx.ids["d1"]) + fx.tracker.FailureCount(fx.ids["d2"])
	if failed != 1 {
		t.Errorf("total recorded failures = %d, want 1", failed)
	}
}

func TestNonRetriableShortCircuits(t *testing.T) {
	var calls atomic.Int32
	oa := &fakeAdapter{name: "openai", chat: func(context.Context, *adapter.CompletionRequest, adapter.Credentials) (*adapter.CompletionResponse, error) {
		calls.Add(1)
		return nil, &adapter.Error{Kind: adapter.KindAuthentication, Provider: "openai", Message: "bad key"}
	}}
	fx := newFixture(t, Config{NumRetries: 3}, []adapter.Adapter{oa}, [][3]string{{"d1", "m", "openai"}})

	_, _, err := fx.router.Complete(context.Background(),
		&adapter.CompletionRequest{Model: "m", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	if adapter.KindOf(err) != adapter.KindAuthentication {
		t.Fatalf("err = %v, want authentication error", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("adapter called %d times, want 1 (no retries)", n)
	}
}

func TestCooldownOpensAfterThreshold(t *testing.T) {
	oa := &fakeAdapter{name: "openai", chat: func(context.Context, *adapter.CompletionRequest, adapter.Credentials) (*adapter.CompletionResponse, error) {
		return nil, &adapter.Error{Kind: adapter.KindAPI, Provider: "openai", Message: "boom", Status: 500}
	}}
	fx := newFixture(t, Config{NumRetries: 2}, []adapter.Adapter{oa}, [][3]string{{"d1", "m", "openai"}})

	req := func() *adapter.CompletionRequest {
		return &adapter.CompletionRequest{Model: "m", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}}
	}

	// Three failing attempts (1 request with 2 retries) trip the cooldown.
	fx.router.Complete(context.Background(), req(), nil, nil)
	if fx.tracker.IsHealthy(fx.ids["d1"]) {
		t.Fatal("deployment still healthy after three consecutive failures")
	}

	// Next request finds no healthy deployment and never dispatches.
	_, disp, err := fx.router.Complete(context.Background(), req(), nil, nil)
	if adapter.KindOf(err) != adapter.KindRouter {
		t.Errorf("err = %v, want router error", err)
	}
	if disp.Attempts != 0 {
		t.Errorf("dispatched %d times into a cooled deployment", disp.Attempts)
	}
}

func TestFallbackModel(t *testing.T) {
	oa := &fakeAdapter{name: "openai", chat: func(context.Context, *adapter.CompletionRequest, adapter.Credentials) (*adapter.CompletionResponse, error) {
		return nil, &adapter.Error{Kind: adapter.KindUnavailable, Provider: "openai", Message: "down", Status: 503}
	}}
	an := &fakeAdapter{name: "anthropic", chat: func(_ context.Context, req *adapter.CompletionRequest, _ adapter.Credentials) (*adapter.CompletionResponse, error) {
		return okResponse(req.Model), nil
	}}
	fx := newFixture(t,
		Config{NumRetries: 0, Fallbacks: map[string][]string{"gpt-4o": {"claude-3-haiku"}}},
		[]adapter.Adapter{oa, an},
		[][3]string{{"d1", "gpt-4o", "openai"}, {"d2", "claude-3-haiku", "anthropic"}})

	resp, disp, err := fx.router.Complete(context.Background(),
		&adapter.CompletionRequest{Model: "gpt-4o", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if disp.Provider != "anthropic" || disp.Model != "claude-3-haiku" {
		t.Errorf("dispatch = %+v, want anthropic fallback", disp)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("response model %q, want requested model", resp.Model)
	}
}

func TestNoDeploymentsYieldsRouterError(t *testing.T) {
	fx := newFixture(t, Config{}, nil, nil)
	_, _, err := fx.router.Complete(context.Background(),
		&adapter.CompletionRequest{Model: "ghost", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	var ae *adapter.Error
	if !errors.As(err, &ae) || ae.Kind != adapter.KindRouter {
		t.Fatalf("err = %v, want router error", err)
	}
	if ae.HTTPStatus() != 503 {
		t.Errorf("status = %d, want 503", ae.HTTPStatus())
	}
}

// typedStore honors the model-type filter the way the SQL store does.
type typedStore struct {
	store.Store
	rows map[string][]store.DeploymentRow
}

func (f *typedStore) ActiveDeployments(_ context.Context, model, modelType string) ([]store.DeploymentRow, error) {
	var out []store.DeploymentRow
	for _, r := range f.rows[model] {
		if modelType == "" || r.Deployment.ModelType == modelType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *typedStore) TeamProviderAccess(context.Context, uuid.UUID) (map[uuid.UUID]bool, error) {
	return map[uuid.UUID]bool{}, nil
}

func TestChatAgainstEmbeddingModelRejected(t *testing.T) {
	box, err := secrets.New("router-test")
	if err != nil {
		t.Fatal(err)
	}
	key, _ := box.Encrypt("sk-embed")
	rows := map[string][]store.DeploymentRow{
		"text-embedding-3-small": {{Deployment: store.ModelDeployment{
			ID:            uuid.New(),
			ModelName:     "text-embedding-3-small",
			ProviderModel: "text-embedding-3-small",
			ModelType:     "embedding",
			ProviderType:  "openai",
			EncryptedKey:  key,
			Priority:      1,
			IsActive:      true,
		}}},
	}
	cache := deploycache.New(&typedStore{rows: rows}, box, time.Minute, nil)
	r := New(cache, NewTracker(time.Minute, 3), adapter.NewRegistry(), Config{})

	_, _, err = r.Complete(context.Background(),
		&adapter.CompletionRequest{Model: "text-embedding-3-small", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	var ae *adapter.Error
	if !errors.As(err, &ae) || ae.Kind != adapter.KindBadRequest {
		t.Fatalf("err = %v, want invalid_request_error", err)
	}
	if ae.HTTPStatus() != 400 {
		t.Errorf("status = %d, want 400", ae.HTTPStatus())
	}
	if ae.Param != "model" {
		t.Errorf("param = %q, want model", ae.Param)
	}

	// A model with no deployments at all still reads as a routing failure.
	_, _, err = r.Complete(context.Background(),
		&adapter.CompletionRequest{Model: "ghost", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	if adapter.KindOf(err) != adapter.KindRouter {
		t.Errorf("unknown model err = %v, want router error", err)
	}
}

func TestStreamConsumerAbortRecordsFailure(t *testing.T) {
	oa := &fakeAdapter{name: "openai", stream: func(sctx context.Context, _ *adapter.CompletionRequest, _ adapter.Credentials) (<-chan adapter.StreamChunk, error) {
		ch := make(chan adapter.StreamChunk)
		go func() {
			defer close(ch)
			for {
				chunk := adapter.StreamChunk{Choices: []adapter.DeltaChoice{
					{Delta: adapter.MessageDelta{Content: "x"}},
				}}
				select {
				case ch <- chunk:
				case <-sctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}}
	fx := newFixture(t, Config{}, []adapter.Adapter{oa}, [][3]string{{"d1", "m", "openai"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chunks, _, err := fx.router.Stream(ctx,
		&adapter.CompletionRequest{Model: "m", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	<-chunks // stream is live
	cancel() // consumer walks away
	for range chunks {
	}

	if got := fx.tracker.FailureCount(fx.ids["d1"]); got != 1 {
		t.Errorf("failures = %d, want 1 for an aborted stream", got)
	}
	if fx.tracker.InFlight(fx.ids["d1"]) != 0 {
		t.Error("in-flight not released after abort")
	}
}

func TestStreamSettlesStatsOnClose(t *testing.T) {
	oa := &fakeAdapter{name: "openai", stream: func(context.Context, *adapter.CompletionRequest, adapter.Credentials) (<-chan adapter.StreamChunk, error) {
		ch := make(chan adapter.StreamChunk, 4)
		ch <- adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{Content: "a"}}}}
		ch <- adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{Content: "b"}}}}
		ch <- adapter.StreamChunk{
			Choices: []adapter.DeltaChoice{{FinishReason: adapter.FinishStop}},
			Usage:   &adapter.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}
		close(ch)
		return ch, nil
	}}
	fx := newFixture(t, Config{}, []adapter.Adapter{oa}, [][3]string{{"d1", "m", "openai"}})

	chunks, _, err := fx.router.Stream(context.Background(),
		&adapter.CompletionRequest{Model: "m", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var n int
	for range chunks {
		n++
	}
	if n != 3 {
		t.Errorf("forwarded %d chunks, want 3", n)
	}
	if got := fx.tracker.InFlight(fx.ids["d1"]); got != 0 {
		t.Errorf("in-flight = %d after stream close, want 0", got)
	}
	if !fx.tracker.IsHealthy(fx.ids["d1"]) {
		t.Error("deployment unhealthy after clean stream")
	}
	if fx.tracker.AvgLatency(fx.ids["d1"]) == 0 {
		t.Error("stream success did not sample latency")
	}
}

func TestStreamErrorRecordsFailure(t *testing.T) {
	oa := &fakeAdapter{name: "openai", stream: func(context.Context, *adapter.CompletionRequest, adapter.Credentials) (<-chan adapter.StreamChunk, error) {
		ch := make(chan adapter.StreamChunk, 2)
		ch <- adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{Content: "a"}}}}
		ch <- adapter.StreamChunk{
			Choices: []adapter.DeltaChoice{{FinishReason: adapter.FinishError}},
			Err:     adapter.E(adapter.KindConnection, "openai", "reset"),
		}
		close(ch)
		return ch, nil
	}}
	fx := newFixture(t, Config{}, []adapter.Adapter{oa}, [][3]string{{"d1", "m", "openai"}})

	chunks, _, err := fx.router.Stream(context.Background(),
		&adapter.CompletionRequest{Model: "m", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for range chunks {
	}
	if fx.tracker.FailureCount(fx.ids["d1"]) != 1 {
		t.Errorf("failures = %d, want 1", fx.tracker.FailureCount(fx.ids["d1"]))
	}
	if fx.tracker.InFlight(fx.ids["d1"]) != 0 {
		t.Error("in-flight not released after stream error")
	}
}

func TestRoundRobinCycles(t *testing.T) {
	seen := make(chan string, 8)
	mk := func(name string) *fakeAdapter {
		return &fakeAdapter{name: name, chat: func(_ context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
			seen <- creds.APIKey
			return okResponse(req.Model), nil
		}}
	}
	fx := newFixture(t, Config{Strategy: StrategyRoundRobin}, []adapter.Adapter{mk("openai")},
		[][3]string{{"d1", "m", "openai"}, {"d2", "m", "openai"}})

	for i := 0; i < 4; i++ {
		if _, _, err := fx.router.Complete(context.Background(),
			&adapter.CompletionRequest{Model: "m", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
			nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	close(seen)
	counts := map[string]int{}
	for k := range seen {
		counts[k]++
	}
	if counts["sk-d1"] != 2 || counts["sk-d2"] != 2 {
		t.Errorf("round-robin distribution = %v, want 2/2", counts)
	}
}

func TestLatencyBasedPrefersSampled(t *testing.T) {
	oa := &fakeAdapter{name: "openai", chat: func(_ context.Context, req *adapter.CompletionRequest, _ adapter.Credentials) (*adapter.CompletionResponse, error) {
		return okResponse(req.Model), nil
	}}
	fx := newFixture(t, Config{Strategy: StrategyLatencyBased}, []adapter.Adapter{oa},
		[][3]string{{"fast", "m", "openai"}, {"cold", "m", "openai"}})

	// Sample one deployment; the other stays unsampled (= infinitely slow).
	fx.tracker.RecordSuccess(fx.ids["fast"], 80*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, disp, err := fx.router.Complete(context.Background(),
			&adapter.CompletionRequest{Model: "m", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
			nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if disp.DeploymentID != fx.ids["fast"] {
			t.Fatalf("iteration %d picked unsampled deployment", i)
		}
	}
}

func TestLeastBusyAvoidsLoaded(t *testing.T) {
	oa := &fakeAdapter{name: "openai", chat: func(_ context.Context, req *adapter.CompletionRequest, _ adapter.Credentials) (*adapter.CompletionResponse, error) {
		return okResponse(req.Model), nil
	}}
	fx := newFixture(t, Config{Strategy: StrategyLeastBusy}, []adapter.Adapter{oa},
		[][3]string{{"busy", "m", "openai"}, {"idle", "m", "openai"}})

	fx.tracker.BeginDispatch(fx.ids["busy"])
	defer fx.tracker.EndDispatch(fx.ids["busy"])

	_, disp, err := fx.router.Complete(context.Background(),
		&adapter.CompletionRequest{Model: "m", Messages: []adapter.Message{{Role: "user", Content: adapter.Text("x")}}},
		nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if disp.DeploymentID != fx.ids["idle"] {
		t.Error("least-busy picked the loaded deployment")
	}
}

func TestTrackerCooldownRecovers(t *testing.T) {
	tr := NewTracker(20*time.Millisecond, 2)
	id := uuid.New()
	tr.RecordFailure(id)
	tr.RecordFailure(id)
	if tr.IsHealthy(id) {
		t.Fatal("healthy at threshold")
	}
	time.Sleep(30 * time.Millisecond)
	if !tr.IsHealthy(id) {
		t.Error("cooldown did not age out")
	}
}

func TestTrackerEWMA(t *testing.T) {
	tr := NewTracker(time.Minute, 3)
	id := uuid.New()
	tr.RecordSuccess(id, 100*time.Millisecond)
	if got := tr.AvgLatency(id); got != 100 {
		t.Fatalf("first sample avg = %v, want 100", got)
	}
	tr.RecordSuccess(id, 200*time.Millisecond)
	if got := tr.AvgLatency(id); got != 0.7*100+0.3*200 {
		t.Errorf("avg = %v, want 130", got)
	}
}
