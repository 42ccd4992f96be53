// Package bedrock implements the AWS Bedrock provider adapter via the
// Converse API with hand-rolled SigV4 request signing (no AWS SDK).
//
// Resolved credential settings: aws_access_key_id, aws_secret_access_key,
// aws_region, aws_session_token; environment fallback uses the standard
// AWS_* variables. api_base overrides the regional endpoint for tests.
package bedrock

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelriver/modelriver/internal/adapter"
)

const (
	providerName = "bedrock"
	service      = "bedrock"
	algorithm    = "AWS4-HMAC-SHA256"
)

type awsCreds struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpointURL  string
}

type Adapter struct {
	client *http.Client
}

func New() *Adapter {
	return &Adapter{client: &http.Client{Timeout: 120 * time.Second}}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Capabilities() map[adapter.Capability]bool {
	return map[adapter.Capability]bool{
		adapter.CapChat:      true,
		adapter.CapStreaming: true,
		adapter.CapTools:     true,
		adapter.CapVision:    true,
	}
}

func (a *Adapter) ModelTypes() []adapter.ModelType {
	return []adapter.ModelType{adapter.ModelTypeChat}
}

// SupportsModel matches Bedrock model IDs like "anthropic.claude-3-5-sonnet-
// 20241022-v2:0" and cross-region profiles like "us.amazon.nova-pro-v1:0".
func (a *Adapter) SupportsModel(model string) bool {
	for _, p := range []string{"anthropic.", "amazon.", "meta.", "mistral.", "cohere.", "ai21.", "us.", "eu.", "apac."} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// ─── Converse API types ───────────────────────────────────────────────────────

type (
	converseRequest struct {
		Messages        []converseMessage `json:"messages"`
		System          []systemContent   `json:"system,omitempty"`
		InferenceConfig *inferenceConfig  `json:"inferenceConfig,omitempty"`
		ToolConfig      *toolConfig       `json:"toolConfig,omitempty"`
	}

	converseMessage struct {
		Role    string         `json:"role"`
		Content []contentBlock `json:"content"`
	}

	contentBlock struct {
		Text       string           `json:"text,omitempty"`
		Image      *imageBlock      `json:"image,omitempty"`
		ToolUse    *toolUseBlock    `json:"toolUse,omitempty"`
		ToolResult *toolResultBlock `json:"toolResult,omitempty"`
	}

	imageBlock struct {
		Format string `json:"format"`
		Source struct {
			Bytes string `json:"bytes"`
		} `json:"source"`
	}

	toolUseBlock struct {
		ToolUseID string `json:"toolUseId"`
		Name      string `json:"name"`
		Input     any    `json:"input"`
	}

	toolResultBlock struct {
		ToolUseID string         `json:"toolUseId"`
		Content   []contentBlock `json:"content"`
	}

	systemContent struct {
		Text string `json:"text"`
	}

	inferenceConfig struct {
		MaxTokens     int      `json:"maxTokens,omitempty"`
		Temperature   *float64 `json:"temperature,omitempty"`
		TopP          *float64 `json:"topP,omitempty"`
		StopSequences []string `json:"stopSequences,omitempty"`
	}

	toolConfig struct {
		Tools      []toolEntry `json:"tools"`
		ToolChoice any         `json:"toolChoice,omitempty"`
	}

	toolEntry struct {
		ToolSpec toolSpec `json:"toolSpec"`
	}

	toolSpec struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		InputSchema struct {
			JSON any `json:"json"`
		} `json:"inputSchema"`
	}

	converseResponse struct {
		Output struct {
			Message converseMessage `json:"message"`
		} `json:"output"`
		StopReason string `json:"stopReason"`
		Usage      struct {
			InputTokens  int `json:"inputTokens"`
			OutputTokens int `json:"outputTokens"`
			TotalTokens  int `json:"totalTokens"`
		} `json:"usage"`
	}
)

func (a *Adapter) Chat(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (*adapter.CompletionResponse, error) {
	ac, err := resolveAWS(creds)
	if err != nil {
		return nil, err
	}
	cr, err := buildConverse(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, ac, converseEndpoint(ac, req.Model, false), cr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, adapter.Wrap(adapter.KindAPI, providerName, err)
	}

	msg := adapter.Message{Role: "assistant"}
	var sb strings.Builder
	for _, b := range out.Output.Message.Content {
		if b.Text != "" {
			sb.WriteString(b.Text)
		}
		if b.ToolUse != nil {
			args, _ := json.Marshal(b.ToolUse.Input)
			msg.ToolCalls = append(msg.ToolCalls, adapter.ToolCall{
				ID:   b.ToolUse.ToolUseID,
				Type: "function",
				Function: adapter.ToolCallFunction{
					Name:      b.ToolUse.Name,
					Arguments: string(args),
				},
			})
		}
	}
	msg.Content = adapter.Text(sb.String())

	return &adapter.CompletionResponse{
		ID:    req.RequestID,
		Model: req.Model,
		Choices: []adapter.Choice{{
			Message:      msg,
			FinishReason: normalizeStop(out.StopReason),
		}},
		Usage: adapter.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

// streamEvent is the union of Converse stream frames the adapter consumes.
type streamEvent struct {
	ContentBlockStart *struct {
		ContentBlockIndex int `json:"contentBlockIndex"`
		Start             struct {
			ToolUse *struct {
				ToolUseID string `json:"toolUseId"`
				Name      string `json:"name"`
			} `json:"toolUse"`
		} `json:"start"`
	} `json:"contentBlockStart"`
	ContentBlockDelta *struct {
		ContentBlockIndex int `json:"contentBlockIndex"`
		Delta             struct {
			Text    string `json:"text"`
			ToolUse *struct {
				Input string `json:"input"`
			} `json:"toolUse"`
		} `json:"delta"`
	} `json:"contentBlockDelta"`
	MessageStop *struct {
		StopReason string `json:"stopReason"`
	} `json:"messageStop"`
	Metadata *struct {
		Usage struct {
			InputTokens  int `json:"inputTokens"`
			OutputTokens int `json:"outputTokens"`
		} `json:"usage"`
	} `json:"metadata"`
}

func (a *Adapter) Stream(ctx context.Context, req *adapter.CompletionRequest, creds adapter.Credentials) (<-chan adapter.StreamChunk, error) {
	ac, err := resolveAWS(creds)
	if err != nil {
		return nil, err
	}
	cr, err := buildConverse(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, ac, converseEndpoint(ac, req.Model, true), cr)
	if err != nil {
		return nil, err
	}

	ch := make(chan adapter.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		var (
			finish adapter.FinishReason
			usage  adapter.Usage
			toolN  = -1
		)
		emit := func(c adapter.StreamChunk) bool {
			c.ID, c.Model = req.RequestID, req.Model
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
				continue
			}
			switch {
			case ev.ContentBlockStart != nil && ev.ContentBlockStart.Start.ToolUse != nil:
				toolN++
				tu := ev.ContentBlockStart.Start.ToolUse
				if !emit(adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{
					ToolCalls: []adapter.ToolCallDelta{{
						Index:    toolN,
						ID:       tu.ToolUseID,
						Type:     "function",
						Function: adapter.ToolCallFunction{Name: tu.Name},
					}},
				}}}}) {
					return
				}
			case ev.ContentBlockDelta != nil:
				d := ev.ContentBlockDelta.Delta
				if d.Text != "" {
					if !emit(adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{Content: d.Text}}}}) {
						return
					}
				}
				if d.ToolUse != nil && d.ToolUse.Input != "" {
					if !emit(adapter.StreamChunk{Choices: []adapter.DeltaChoice{{Delta: adapter.MessageDelta{
						ToolCalls: []adapter.ToolCallDelta{{
							Index:    toolN,
							Function: adapter.ToolCallFunction{Arguments: d.ToolUse.Input},
						}},
					}}}}) {
						return
					}
				}
			case ev.MessageStop != nil:
				finish = normalizeStop(ev.MessageStop.StopReason)
			case ev.Metadata != nil:
				usage = adapter.Usage{
					PromptTokens:     ev.Metadata.Usage.InputTokens,
					CompletionTokens: ev.Metadata.Usage.OutputTokens,
					TotalTokens:      ev.Metadata.Usage.InputTokens + ev.Metadata.Usage.OutputTokens,
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- adapter.StreamChunk{
				ID:      req.RequestID,
				Model:   req.Model,
				Choices: []adapter.DeltaChoice{{FinishReason: adapter.FinishError}},
				Err:     adapter.AsError(providerName, err),
			}
			return
		}
		if finish == "" {
			finish = adapter.FinishStop
		}
		emit(adapter.StreamChunk{
			Choices: []adapter.DeltaChoice{{FinishReason: finish}},
			Usage:   &usage,
		})
	}()
	return ch, nil
}

func buildConverse(ctx context.Context, req *adapter.CompletionRequest) (converseRequest, error) {
	var systemTexts []systemContent
	msgs := make([]converseMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemTexts = append(systemTexts, systemContent{Text: m.Content.Flatten()})
		case "tool":
			msgs = append(msgs, converseMessage{
				Role: "user",
				Content: []contentBlock{{ToolResult: &toolResultBlock{
					ToolUseID: m.ToolCallID,
					Content:   []contentBlock{{Text: m.Content.Flatten()}},
				}}},
			})
		case "assistant":
			blocks := []contentBlock{}
			if text := m.Content.Flatten(); text != "" {
				blocks = append(blocks, contentBlock{Text: text})
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						return converseRequest{}, adapter.Errorf(adapter.KindBadRequest, providerName,
							"tool call %s: arguments are not valid JSON", tc.ID)
					}
				}
				blocks = append(blocks, contentBlock{ToolUse: &toolUseBlock{
					ToolUseID: tc.ID,
					Name:      tc.Function.Name,
					Input:     input,
				}})
			}
			msgs = append(msgs, converseMessage{Role: "assistant", Content: blocks})
		default: // user
			blocks, err := userBlocks(ctx, m)
			if err != nil {
				return converseRequest{}, err
			}
			msgs = append(msgs, converseMessage{Role: "user", Content: blocks})
		}
	}

	cr := converseRequest{Messages: msgs, System: systemTexts}

	ic := inferenceConfig{
		MaxTokens:     req.EffectiveMaxTokens(),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if ic.MaxTokens > 0 || ic.Temperature != nil || ic.TopP != nil || len(ic.StopSequences) > 0 {
		cr.InferenceConfig = &ic
	}

	if len(req.Tools) > 0 {
		tc := &toolConfig{}
		for _, t := range req.Tools {
			spec := toolSpec{Name: t.Function.Name, Description: t.Function.Description}
			if len(t.Function.Parameters) > 0 {
				var schema any
				if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
					return converseRequest{}, adapter.Errorf(adapter.KindBadRequest, providerName,
						"tool %q: invalid parameters schema: %v", t.Function.Name, err)
				}
				spec.InputSchema.JSON = schema
			}
			tc.Tools = append(tc.Tools, toolEntry{ToolSpec: spec})
		}
		if choice := req.ToolChoice; choice != nil {
			switch choice.Mode {
			case "required":
				tc.ToolChoice = map[string]any{"any": map[string]any{}}
			case "tool":
				tc.ToolChoice = map[string]any{"tool": map[string]any{"name": choice.Name}}
			default:
				tc.ToolChoice = map[string]any{"auto": map[string]any{}}
			}
		}
		cr.ToolConfig = tc
	}
	return cr, nil
}

func userBlocks(ctx context.Context, m adapter.Message) ([]contentBlock, error) {
	if m.Content.Blocks == nil {
		return []contentBlock{{Text: m.Content.Text}}, nil
	}
	out := make([]contentBlock, 0, len(m.Content.Blocks))
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "text":
			out = append(out, contentBlock{Text: b.Text})
		case "image_url":
			if b.ImageURL == nil {
				return nil, adapter.E(adapter.KindBadRequest, providerName, "image_url block missing payload")
			}
			data, mediaType, err := adapter.ResolveImage(ctx, b.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			img := &imageBlock{Format: strings.TrimPrefix(mediaType, "image/")}
			img.Source.Bytes = adapter.EncodeBase64(data)
			out = append(out, contentBlock{Image: img})
		default:
			return nil, adapter.Errorf(adapter.KindBadRequest, providerName, "unsupported content block type %q", b.Type)
		}
	}
	return out, nil
}

func (a *Adapter) post(ctx context.Context, ac awsCreds, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, adapter.Wrap(adapter.KindBadRequest, providerName, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, adapter.Wrap(adapter.KindBadRequest, providerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	signRequest(httpReq, ac, body)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, adapter.AsError(providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func resolveAWS(creds adapter.Credentials) (awsCreds, error) {
	get := func(key, env string) string {
		if v := creds.Settings[key]; v != "" {
			return v
		}
		return os.Getenv(env)
	}
	ac := awsCreds{
		accessKey:    get("aws_access_key_id", "AWS_ACCESS_KEY_ID"),
		secretKey:    get("aws_secret_access_key", "AWS_SECRET_ACCESS_KEY"),
		sessionToken: get("aws_session_token", "AWS_SESSION_TOKEN"),
		region:       get("aws_region", "AWS_REGION"),
		endpointURL:  creds.APIBase,
	}
	if ac.accessKey == "" || ac.secretKey == "" {
		return awsCreds{}, adapter.E(adapter.KindAuthentication, providerName, "AWS credentials not configured")
	}
	if ac.region == "" {
		ac.region = "us-east-1"
	}
	return ac, nil
}

func converseEndpoint(ac awsCreds, modelID string, stream bool) string {
	op := "converse"
	if stream {
		op = "converse-stream"
	}
	if ac.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/%s", strings.TrimRight(ac.endpointURL, "/"), modelID, op)
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/%s", ac.region, modelID, op)
}

// ─── AWS SigV4 signing ────────────────────────────────────────────────────────

func signRequest(req *http.Request, ac awsCreds, payload []byte) {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	if ac.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", ac.sessionToken)
	}

	payloadHash := sha256Hex(payload)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)
	if ac.sessionToken != "" {
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders += fmt.Sprintf("x-amz-security-token:%s\n", ac.sessionToken)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, ac.region, service)

	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(ac.secretKey, datestamp, ac.region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, ac.accessKey, credentialScope, signedHeaders, signature,
	))
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var be struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
	}
	msg := ""
	if json.Unmarshal(body, &be) == nil {
		msg = be.Message
	}
	// Bedrock signals throttling with 400 + ThrottlingException.
	if strings.Contains(be.Type, "Throttling") {
		e := adapter.FromHTTP(providerName, http.StatusTooManyRequests, "", "", msg)
		e.Status = resp.StatusCode
		return e
	}
	return adapter.FromHTTP(providerName, resp.StatusCode, "", be.Type, msg)
}

func normalizeStop(reason string) adapter.FinishReason {
	switch reason {
	case "":
		return ""
	case "end_turn", "stop_sequence":
		return adapter.FinishStop
	case "max_tokens":
		return adapter.FinishLength
	case "tool_use":
		return adapter.FinishToolCalls
	case "content_filtered", "guardrail_intervened":
		return adapter.FinishContentFilter
	default:
		return adapter.FinishStop
	}
}
