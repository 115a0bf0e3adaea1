package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/relay/internal/credential"
	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/health"
	"github.com/rakunlabs/relay/internal/ratelimit"
	"github.com/rakunlabs/relay/internal/scheduler"
	"github.com/rakunlabs/relay/internal/store/memory"
	"github.com/rakunlabs/relay/internal/trace"
)

// strictTraceStore is a store.TraceStore whose UpdateTrace behaves like the
// real Postgres/SQLite backends (a bare UPDATE with no insert-on-miss
// fallback) rather than memory.Memory's lenient one, so a pipeline path that
// calls Update before any Insert silently produces zero rows here too,
// instead of being masked by the in-memory store's leniency.
type strictTraceStore struct {
	mu     sync.Mutex
	traces map[string]domain.Trace
}

func newStrictTraceStore() *strictTraceStore {
	return &strictTraceStore{traces: make(map[string]domain.Trace)}
}

func (s *strictTraceStore) InsertTrace(_ context.Context, t domain.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[t.RequestID] = t
	return nil
}

func (s *strictTraceStore) UpdateTrace(_ context.Context, t domain.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[t.RequestID]; !ok {
		return nil
	}
	s.traces[t.RequestID] = t
	return nil
}

type stubResetter struct{}

func (stubResetter) Schedule(keyID string, fireAt time.Time) {}
func (stubResetter) Cancel(keyID string)                     {}

// newTestPipeline wires a Pipeline against an in-memory store and a test
// catalog whose single provider type points at an upstream test server.
func newTestPipeline(t *testing.T, upstreamURL string) (*Pipeline, *memory.Memory) {
	t.Helper()

	st := memory.New()
	h := health.NewService(st, stubResetter{}, 3)
	sched := scheduler.New(h)
	limiter := ratelimit.New()
	cred := credential.NewProvider(st, nil, h, time.Minute)
	tracer := trace.NewRecorder(st)
	tracer.Start(t.Context())
	t.Cleanup(tracer.Stop)

	cat := map[string]domain.ProviderType{
		"test_provider": {
			ID:                 "test_provider",
			BaseURL:            upstreamURL,
			SupportedAuthTypes: []string{domain.AuthTypeAPIKey},
			AuthHeaderFormat:   "Authorization: Bearer {token}",
			AuthHeaderFormats:  []string{"Authorization: Bearer {token}"},
			TokenFieldMap: domain.TokenFieldMap{
				PromptTokens:     "usage.prompt_tokens",
				CompletionTokens: "usage.completion_tokens",
				TotalTokens:      "usage.total_tokens",
				Model:            "model",
			},
			DefaultModel: "test-model",
		},
	}

	p := New(st, h, sched, limiter, cred, tracer, cat)
	return p, st
}

func mustCreateServiceApi(t *testing.T, st *memory.Memory, inboundKey string, keyIDs []string) *domain.ServiceApi {
	t.Helper()
	sa, err := st.CreateServiceApi(t.Context(), domain.ServiceApi{
		ProviderTypeID:     "test_provider",
		InboundAPIKey:      inboundKey,
		ProviderKeyIDs:     keyIDs,
		SchedulingStrategy: domain.StrategyRoundRobin,
		IsActive:           true,
	})
	if err != nil {
		t.Fatalf("CreateServiceApi: %v", err)
	}
	return sa
}

func mustCreateProviderKey(t *testing.T, st *memory.Memory, apiKey string) *domain.ProviderKey {
	t.Helper()
	k, err := st.CreateProviderKey(t.Context(), domain.ProviderKey{
		ProviderTypeID: "test_provider",
		AuthType:       domain.AuthTypeAPIKey,
		APIKey:         apiKey,
		IsActive:       true,
	})
	if err != nil {
		t.Fatalf("CreateProviderKey: %v", err)
	}
	return k
}

func TestPipelineHappyPath(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"model": "test-model", "usage": {"prompt_tokens": 3, "completion_tokens": 7, "total_tokens": 10}}`))
	}))
	defer upstream.Close()

	p, st := newTestPipeline(t, upstream.URL)
	pk := mustCreateProviderKey(t, st, "backend-secret")
	mustCreateServiceApi(t, st, "caller-key", []string{pk.ID})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"test-model"}`))
	req.Header.Set("Authorization", "Bearer caller-key")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if gotAuth != "Bearer backend-secret" {
		t.Fatalf("upstream saw Authorization=%q, want Bearer backend-secret", gotAuth)
	}
}

func TestPipelineRejectsUnknownInboundKey(t *testing.T) {
	p, _ := newTestPipeline(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-key")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPipelineCallerRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, st := newTestPipeline(t, upstream.URL)
	pk := mustCreateProviderKey(t, st, "backend-secret")
	_, err := st.CreateServiceApi(t.Context(), domain.ServiceApi{
		ProviderTypeID:     "test_provider",
		InboundAPIKey:      "caller-key",
		ProviderKeyIDs:     []string{pk.ID},
		SchedulingStrategy: domain.StrategyRoundRobin,
		IsActive:           true,
		RateLimit:          1,
	})
	if err != nil {
		t.Fatalf("CreateServiceApi: %v", err)
	}

	makeReq := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.Header.Set("Authorization", "Bearer caller-key")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		return rec
	}

	first := makeReq()
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	second := makeReq()
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429 (rate_limit=1/min)", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on a caller rate limit response")
	}
}

func TestPipelineRetriesAnotherKeyOnBackend429(t *testing.T) {
	// The scheduler's round-robin starting point isn't something callers
	// should depend on, so the upstream 429s whichever key is tried first
	// and accepts any other: the retry-on-429 behavior being tested is
	// "the pipeline excludes the failing key and tries a different one",
	// not "key A always goes first".
	var calls int
	var firstAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		auth := r.Header.Get("Authorization")
		if firstAuth == "" {
			firstAuth = auth
		}
		if auth == firstAuth {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, st := newTestPipeline(t, upstream.URL)
	limited := mustCreateProviderKey(t, st, "rate-limited-secret")
	healthy := mustCreateProviderKey(t, st, "healthy-secret")

	_, err := st.CreateServiceApi(t.Context(), domain.ServiceApi{
		ProviderTypeID:     "test_provider",
		InboundAPIKey:      "caller-key",
		ProviderKeyIDs:     []string{limited.ID, healthy.ID},
		SchedulingStrategy: domain.StrategyRoundRobin,
		IsActive:           true,
		RetryCount:         1,
	})
	if err != nil {
		t.Fatalf("CreateServiceApi: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer caller-key")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retrying the other key, body=%s", rec.Code, rec.Body.String())
	}
	if calls != 2 {
		t.Fatalf("upstream called %d times, want 2 (one 429, one retry)", calls)
	}
}

func TestPipelineUnknownProviderTypeIsConfigError(t *testing.T) {
	p, st := newTestPipeline(t, "http://unused.invalid")
	pk := mustCreateProviderKey(t, st, "backend-secret")

	_, err := st.CreateServiceApi(t.Context(), domain.ServiceApi{
		ProviderTypeID: "nonexistent_provider",
		InboundAPIKey:  "caller-key",
		ProviderKeyIDs: []string{pk.ID},
		IsActive:       true,
	})
	if err != nil {
		t.Fatalf("CreateServiceApi: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer caller-key")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 for an unconfigured provider type", rec.Code)
	}
}

// newStrictTracePipeline mirrors newTestPipeline but records traces into a
// strictTraceStore, and gives the caller the *trace.Recorder directly so it
// can Stop() it (draining the async buffer) before inspecting the store,
// rather than relying on t.Cleanup running before assertions.
func newStrictTracePipeline(t *testing.T, upstreamURL string) (*Pipeline, *memory.Memory, *strictTraceStore, *trace.Recorder) {
	t.Helper()

	st := memory.New()
	ts := newStrictTraceStore()
	h := health.NewService(st, stubResetter{}, 3)
	sched := scheduler.New(h)
	limiter := ratelimit.New()
	cred := credential.NewProvider(st, nil, h, time.Minute)
	tracer := trace.NewRecorder(ts)
	tracer.Start(t.Context())

	cat := map[string]domain.ProviderType{
		"test_provider": {
			ID:                 "test_provider",
			BaseURL:            upstreamURL,
			SupportedAuthTypes: []string{domain.AuthTypeAPIKey},
			AuthHeaderFormat:   "Authorization: Bearer {token}",
			AuthHeaderFormats:  []string{"Authorization: Bearer {token}"},
		},
	}

	p := New(st, h, sched, limiter, cred, tracer, cat)
	return p, st, ts, tracer
}

// TestPipelineRecordsTraceRowOnMissingInboundKey guards the invariant that
// every request beyond the CORS short-circuit produces exactly one trace
// row, even when it is rejected before a ServiceApi is ever resolved. It
// uses strictTraceStore, which (like the real Postgres/SQLite backends, and
// unlike memory.Memory) never inserts a row on an Update of an unseen
// request_id — so this is the test that would have caught the early-failure
// paths routing straight to Trace.Update with no prior Insert.
func TestPipelineRecordsTraceRowOnMissingInboundKey(t *testing.T) {
	p, _, ts, tracer := newStrictTracePipeline(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	tracer.Stop()

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.traces) != 1 {
		t.Fatalf("trace rows = %d, want exactly 1 for a request rejected for a missing inbound key", len(ts.traces))
	}
	for _, tr := range ts.traces {
		if tr.ErrorType == "" {
			t.Fatalf("trace row has no error_type recorded: %+v", tr)
		}
	}
}

// TestPipelineRecordsTraceRowOnUnknownInboundKey is the same invariant for
// the "inbound key present but matches no ServiceApi" rejection path.
func TestPipelineRecordsTraceRowOnUnknownInboundKey(t *testing.T) {
	p, _, ts, tracer := newStrictTracePipeline(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-key")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	tracer.Stop()

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.traces) != 1 {
		t.Fatalf("trace rows = %d, want exactly 1 for a request rejected for an unknown inbound key", len(ts.traces))
	}
}

// TestFinalizeResponseMarksTruncatedOnClientWriteFailure exercises the
// mid-stream client-disconnect path: the write to the client's
// ResponseWriter fails partway through, and the finalized trace must record
// error_type=truncated rather than reading as a clean response.
func TestFinalizeResponseMarksTruncatedOnClientWriteFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"model": "test-model"}`))
	}))
	defer upstream.Close()

	p, st, ts, tracer := newStrictTracePipeline(t, upstream.URL)
	pk := mustCreateProviderKey(t, st, "backend-secret")
	mustCreateServiceApi(t, st, "caller-key", []string{pk.ID})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"test-model"}`))
	req.Header.Set("Authorization", "Bearer caller-key")

	p.ServeHTTP(&failingResponseWriter{ResponseRecorder: httptest.NewRecorder()}, req)
	tracer.Stop()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.traces) != 1 {
		t.Fatalf("trace rows = %d, want exactly 1", len(ts.traces))
	}
	for _, tr := range ts.traces {
		if tr.ErrorType != "truncated" {
			t.Fatalf("ErrorType = %q, want truncated for a failed mid-stream write", tr.ErrorType)
		}
		if tr.ErrorSource != "pipeline" {
			t.Fatalf("ErrorSource = %q, want pipeline", tr.ErrorSource)
		}
	}
}

// failingResponseWriter accepts the header write but fails every body
// write, simulating a client that disconnects mid-response.
type failingResponseWriter struct {
	*httptest.ResponseRecorder
}

func (f *failingResponseWriter) Write([]byte) (int, error) {
	return 0, errBrokenPipe
}

var errBrokenPipe = fmt.Errorf("broken pipe")

