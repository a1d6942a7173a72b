package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-relay/internal/balance"
	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/graph"
	"github.com/nulpointcorp/llm-relay/internal/secret"
	"github.com/nulpointcorp/llm-relay/internal/usage"
	"github.com/nulpointcorp/llm-relay/internal/writer"
)

const (
	testVirtualKey = "vk-test-abc123"
	testModel      = "gpt-4o-mini"
)

// testStore is an in-memory relational fixture implementing graph.Store and
// usage.Aggregator.
type testStore struct {
	vk     entity.VirtualKey
	dep    entity.Deployment
	proj   entity.Project
	links  []entity.ConnectionDeployment
	conns  []entity.Connection
	totals usage.Totals
}

func (s *testStore) GetVirtualKey(_ context.Context, id uuid.UUID) (entity.VirtualKey, bool, error) {
	if id != s.vk.ID {
		return entity.VirtualKey{}, false, nil
	}
	return s.vk, true, nil
}

func (s *testStore) GetDeploymentByName(_ context.Context, name string) (entity.Deployment, bool, error) {
	if name != s.dep.Name {
		return entity.Deployment{}, false, nil
	}
	return s.dep, true, nil
}

func (s *testStore) GetProject(_ context.Context, id uuid.UUID) (entity.Project, bool, error) {
	if id != s.proj.ID {
		return entity.Project{}, false, nil
	}
	return s.proj, true, nil
}

func (s *testStore) GetVirtualKeyDeployment(_ context.Context, vkID, depID uuid.UUID) (entity.VirtualKeyDeployment, bool, error) {
	if vkID != s.vk.ID || depID != s.dep.ID {
		return entity.VirtualKeyDeployment{}, false, nil
	}
	return entity.VirtualKeyDeployment{VirtualKeyID: vkID, DeploymentID: depID}, true, nil
}

func (s *testStore) GetConnectionDeployments(_ context.Context, ids []uuid.UUID) ([]entity.ConnectionDeployment, error) {
	out := make([]entity.ConnectionDeployment, 0, len(ids))
	for _, id := range ids {
		for _, l := range s.links {
			if l.ID == id {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (s *testStore) GetConnections(_ context.Context, ids []uuid.UUID) ([]entity.Connection, error) {
	out := make([]entity.Connection, 0, len(ids))
	for _, id := range ids {
		for _, c := range s.conns {
			if c.ID == id {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (s *testStore) AggregateUsage(context.Context, usage.Resource, uuid.UUID, time.Time) (usage.Totals, error) {
	return s.totals, nil
}

// captureLogSink records request-log rows flushed by the writer.
type captureLogSink struct {
	mu   sync.Mutex
	rows []entity.RequestLog
}

func (s *captureLogSink) InsertRequestLogs(_ context.Context, logs []entity.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, logs...)
	return nil
}

func (s *captureLogSink) snapshot() []entity.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.RequestLog, len(s.rows))
	copy(out, s.rows)
	return out
}

type captureUsage struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (c *captureUsage) Increment(_ context.Context, recs []usage.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, recs...)
	return nil
}

func (c *captureUsage) snapshot() []usage.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]usage.Record, len(c.recs))
	copy(out, c.recs)
	return out
}

func openaiVariant(endpoint string) entity.ProviderVariant {
	return entity.ProviderVariant{
		Kind:        entity.ProviderOpenAI,
		APIEndpoint: endpoint,
		Model:       "gpt-4o-mini-2024",
	}
}

func geminiVariant(endpoint string) entity.ProviderVariant {
	return entity.ProviderVariant{
		Kind:        entity.ProviderGemini,
		APIEndpoint: endpoint,
		Model:       "gemini-2.0-flash",
	}
}

// harness wires a gateway over an in-memory fasthttp server with one
// connection per variant, round-robin strategy, capture writers, and a
// local-only usage engine.
type harness struct {
	store  *testStore
	logs   *captureLogSink
	usage  *captureUsage
	client *http.Client
}

func newHarness(t *testing.T, variants ...entity.ProviderVariant) *harness {
	t.Helper()

	store := &testStore{
		vk: entity.VirtualKey{
			ID:        secret.VirtualKeyID(testVirtualKey),
			Alias:     "test-key",
			ProjectID: uuid.New(),
		},
		proj: entity.Project{Name: "test-project"},
		dep: entity.Deployment{
			ID:       uuid.New(),
			Name:     testModel,
			Strategy: entity.StrategyRoundRobin,
		},
	}
	store.proj.ID = store.vk.ProjectID

	for i, v := range variants {
		conn := entity.Connection{
			ID:               uuid.New(),
			Variant:          v,
			APIKey:           fmt.Sprintf("up-key-%d", i),
			InputTokenPrice:  0.001,
			OutputTokenPrice: 0.002,
		}
		link := entity.ConnectionDeployment{
			ID:           uuid.New(),
			DeploymentID: store.dep.ID,
			ConnectionID: conn.ID,
			Weight:       1,
		}
		store.conns = append(store.conns, conn)
		store.links = append(store.links, link)
		store.dep.Connections = append(store.dep.Connections, link.ID)
	}

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := usage.NewEngine(nil, store, discard)
	resolver := graph.NewResolver(store, engine, graph.NewCache(time.Minute), discard)

	logs := &captureLogSink{}
	usageCap := &captureUsage{}
	logW := writer.NewRequestLogWriter(context.Background(), logs, nil, 5*time.Millisecond, 1, discard)
	usageW := writer.NewUsageWriter(context.Background(), usageCap, 5*time.Millisecond, 1, discard)
	t.Cleanup(func() {
		logW.Close()
		usageW.Close()
	})

	gw := NewGateway(context.Background(), resolver, balance.New(), logW, usageW,
		GatewayOptions{Logger: discard})

	route := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/v1/chat/completions":
			gw.handleChatCompletions(ctx)
		case "/v1/responses":
			gw.handleResponses(ctx)
		case "/v1/embeddings":
			gw.handleEmbeddings(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	ln := fasthttputil.NewInmemoryListener()
	go fasthttp.Serve(ln, applyMiddleware(route, recovery, requestID, timing)) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			return ln.Dial()
		},
	}}
	return &harness{store: store, logs: logs, usage: usageCap, client: client}
}

func (h *harness) post(t *testing.T, path, body string, auth bool) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://relay"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+testVirtualKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, out
}

func waitRows(t *testing.T, sink *captureLogSink, n int) []entity.RequestLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rows := sink.snapshot(); len(rows) >= n {
			return rows
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("log rows did not reach %d in time", n)
	return nil
}

const chatRequestBody = `{"model":"` + testModel + `","messages":[{"role":"user","content":"hi"}]}`

func TestGateway_ChatPassthrough(t *testing.T) {
	upstreamBody := `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini-2024",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":21,"completion_tokens":4,"total_tokens":25}}`

	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model string `json:"model"`
		}
		json.Unmarshal(body, &req) //nolint:errcheck
		gotModel = req.Model
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(upstreamBody)) //nolint:errcheck
	}))
	defer srv.Close()

	h := newHarness(t, openaiVariant(srv.URL))
	resp, body := h.post(t, "/v1/chat/completions", chatRequestBody, true)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if string(body) != upstreamBody {
		t.Errorf("body not passed through verbatim: %s", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if gotAuth != "Bearer up-key-0" {
		t.Errorf("upstream auth = %q", gotAuth)
	}
	if gotModel != "gpt-4o-mini-2024" {
		t.Errorf("model not rewritten for the connection: %q", gotModel)
	}

	rows := waitRows(t, h.logs, 1)
	row := rows[0]
	if row.AttemptNumber != 0 || row.HTTPStatusCode != 200 {
		t.Errorf("row = attempt %d status %d", row.AttemptNumber, row.HTTPStatusCode)
	}
	if row.InputTokens != 21 || row.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d", row.InputTokens, row.OutputTokens)
	}
	wantCost := 21*0.001 + 4*0.002
	if row.Cost < wantCost-1e-9 || row.Cost > wantCost+1e-9 {
		t.Errorf("cost = %v, want %v", row.Cost, wantCost)
	}
	if row.Provider != string(entity.ProviderOpenAI) || row.DeploymentName != testModel {
		t.Errorf("row identity = %q %q", row.Provider, row.DeploymentName)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.usage.snapshot()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	recs := h.usage.snapshot()
	if len(recs) != 1 || recs[0].Tokens != 25 {
		t.Errorf("usage records = %+v", recs)
	}
}

func TestGateway_FailoverToSecondConnection(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`)) //nolint:errcheck
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object":"chat.completion","usage":{"prompt_tokens":5,"completion_tokens":1}}`)) //nolint:errcheck
	}))
	defer good.Close()

	h := newHarness(t, openaiVariant(bad.URL), openaiVariant(good.URL))
	resp, body := h.post(t, "/v1/chat/completions", chatRequestBody, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	rows := waitRows(t, h.logs, 2)
	if rows[0].RequestID != rows[1].RequestID {
		t.Error("attempts of one request must share RequestID")
	}
	if rows[0].AttemptNumber != 0 || rows[1].AttemptNumber != 1 {
		t.Errorf("attempt numbers = %d %d", rows[0].AttemptNumber, rows[1].AttemptNumber)
	}
	if rows[0].HTTPStatusCode != 500 || !strings.Contains(rows[0].Error, "overloaded") {
		t.Errorf("failed attempt row = %+v", rows[0])
	}
	if rows[1].HTTPStatusCode != 200 {
		t.Errorf("successful attempt status = %d", rows[1].HTTPStatusCode)
	}
}

func TestGateway_Upstream4xxPassesThroughAfterExhaustion(t *testing.T) {
	upstreamErr := `{"error":{"message":"you sent a bad thing","type":"invalid_request_error","code":"bad_thing"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(upstreamErr)) //nolint:errcheck
	}))
	defer srv.Close()

	h := newHarness(t, openaiVariant(srv.URL))
	resp, body := h.post(t, "/v1/chat/completions", chatRequestBody, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != upstreamErr {
		t.Errorf("4xx body must pass through verbatim: %s", body)
	}
}

func TestGateway_Upstream5xxCollapsesTo502(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"down"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	h := newHarness(t, openaiVariant(srv.URL))
	resp, body := h.post(t, "/v1/chat/completions", chatRequestBody, true)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(string(body), "down") {
		t.Errorf("upstream body must be retained: %s", body)
	}
}

func TestGateway_MissingKey(t *testing.T) {
	h := newHarness(t, openaiVariant("http://unused"))
	resp, body := h.post(t, "/v1/chat/completions", chatRequestBody, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Code != "invalid_api_key" {
		t.Errorf("code = %q", out.Error.Code)
	}
}

func TestGateway_UnknownModel(t *testing.T) {
	h := newHarness(t, openaiVariant("http://unused"))
	resp, body := h.post(t, "/v1/chat/completions",
		`{"model":"no-such-model","messages":[]}`, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "unknown_deployment") {
		t.Errorf("body = %s", body)
	}
}

func TestGateway_AdmissionLimit(t *testing.T) {
	h := newHarness(t, openaiVariant("http://unused"))

	limit := int64(3)
	h.store.vk.Limits.Requests.PerMonth = &limit
	h.store.totals.Month.Requests = 5

	resp, body := h.post(t, "/v1/chat/completions", chatRequestBody, true)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}

	var out struct {
		Error struct {
			Code  string  `json:"code"`
			Used  float64 `json:"used"`
			Limit float64 `json:"limit"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Code != "requests_month_over_limit" {
		t.Errorf("code = %q", out.Error.Code)
	}
	if out.Error.Used != 5 || out.Error.Limit != 3 {
		t.Errorf("used/limit = %v/%v", out.Error.Used, out.Error.Limit)
	}

	// Rejected requests never reach a connection.
	time.Sleep(20 * time.Millisecond)
	if rows := h.logs.snapshot(); len(rows) != 0 {
		t.Errorf("admission rejection logged attempt rows: %+v", rows)
	}
}

func TestGateway_StreamingPassthrough(t *testing.T) {
	frames := "data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}],\"usage\":null}\n\n" +
		"data: {\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":21,\"completion_tokens\":12,\"total_tokens\":33}}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(frames)) //nolint:errcheck
	}))
	defer srv.Close()

	h := newHarness(t, openaiVariant(srv.URL))
	resp, body := h.post(t, "/v1/chat/completions",
		`{"model":"`+testModel+`","stream":true,"messages":[{"role":"user","content":"hi"}]}`, true)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(string(body), `"content":"Hel"`) || !strings.Contains(string(body), "data: [DONE]") {
		t.Errorf("stream body = %s", body)
	}

	rows := waitRows(t, h.logs, 1)
	if rows[0].HTTPStatusCode != 200 || rows[0].InputTokens != 21 || rows[0].OutputTokens != 12 {
		t.Errorf("stream row = %+v", rows[0])
	}
}

func TestGateway_GeminiChatTranscoding(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hello from gemini"}]},` + //nolint:errcheck
			`"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}}`))
	}))
	defer srv.Close()

	h := newHarness(t, geminiVariant(srv.URL))
	resp, body := h.post(t, "/v1/chat/completions", chatRequestBody, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(gotPath, "models/gemini-2.0-flash:generateContent") {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotKey != "up-key-0" {
		t.Errorf("upstream key = %q", gotKey)
	}

	var out struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "chat.completion" || out.Model != testModel {
		t.Errorf("envelope = %s %s", out.Object, out.Model)
	}
	if out.Choices[0].Message.Content != "hello from gemini" || out.Choices[0].FinishReason != "stop" {
		t.Errorf("choice = %+v", out.Choices[0])
	}
	if out.Usage.PromptTokens != 10 || out.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", out.Usage)
	}

	rows := waitRows(t, h.logs, 1)
	if rows[0].InputTokens != 10 || rows[0].OutputTokens != 5 {
		t.Errorf("row tokens = %d/%d", rows[0].InputTokens, rows[0].OutputTokens)
	}
}

func TestGateway_EmbeddingsPassthrough(t *testing.T) {
	upstreamBody := `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],` +
		`"model":"text-embedding-3-small","usage":{"prompt_tokens":8,"total_tokens":8}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(upstreamBody)) //nolint:errcheck
	}))
	defer srv.Close()

	h := newHarness(t, openaiVariant(srv.URL))
	resp, body := h.post(t, "/v1/embeddings",
		`{"model":"`+testModel+`","input":["hello"]}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if string(body) != upstreamBody {
		t.Errorf("body = %s", body)
	}

	rows := waitRows(t, h.logs, 1)
	if rows[0].InputTokens != 8 {
		t.Errorf("embeddings input tokens = %d", rows[0].InputTokens)
	}
}

func TestGateway_ResponseTranslationFailureNotRetried(t *testing.T) {
	// A 200 body the translator cannot parse indicates a bug, not a bad
	// connection; the second candidate must never be tried.
	var hits int32
	malformed := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{not json`)) //nolint:errcheck
	}
	first := httptest.NewServer(http.HandlerFunc(malformed))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(malformed))
	defer second.Close()

	h := newHarness(t, geminiVariant(first.URL), geminiVariant(second.URL))
	resp, body := h.post(t, "/v1/chat/completions", chatRequestBody, true)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("upstream hits = %d, want exactly one attempt", n)
	}
	if strings.Contains(string(body), "all upstream attempts failed") {
		t.Errorf("generic exhaustion error written instead of the translation failure: %s", body)
	}
	if !strings.Contains(string(body), "provider_error") {
		t.Errorf("body = %s", body)
	}

	rows := waitRows(t, h.logs, 1)
	if rows[0].HTTPStatusCode != http.StatusBadGateway || rows[0].Error == "" {
		t.Errorf("attempt row = %+v", rows[0])
	}
}

func TestGateway_TranslationFailureIsFatal(t *testing.T) {
	// Nested-array embeddings input is inexpressible in the Gemini dialect;
	// no retry on another connection can help.
	h := newHarness(t, geminiVariant("http://unused"))
	resp, body := h.post(t, "/v1/embeddings",
		`{"model":"`+testModel+`","input":[[1,2,3]]}`, true)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "internal_error") {
		t.Errorf("body = %s", body)
	}
}
