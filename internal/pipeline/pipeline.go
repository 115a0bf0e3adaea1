// Package pipeline implements the RequestPipeline: the ordered per-request
// flow from inbound authentication through upstream forwarding to trace
// finalization, built as one http.Handler rather than a bespoke
// plugin/trait-object system, following the teacher's native-proxy
// handler shape (read once, rewrite, round-trip, stream back, extract).
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/relay/internal/credential"
	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/health"
	"github.com/rakunlabs/relay/internal/ratelimit"
	"github.com/rakunlabs/relay/internal/scheduler"
	"github.com/rakunlabs/relay/internal/store"
	"github.com/rakunlabs/relay/internal/trace"
	"github.com/rakunlabs/relay/internal/usage"
)

// defaultMaxUsageBuffer bounds the per-request accumulator used only for usage
// extraction; it never gates forwarding (§9 streaming discipline).
const defaultMaxUsageBuffer = 1 << 20 // 1 MiB

// Pipeline wires together every subsystem the proxy handler needs per
// request.
type Pipeline struct {
	Keys      store.KeyRepository
	Health    *health.Service
	Scheduler *scheduler.Scheduler
	Limiter   *ratelimit.Limiter
	Cred      *credential.Provider
	Trace     *trace.Recorder
	Catalog   map[string]domain.ProviderType

	MaxUsageBuffer int

	HTTPClient *http.Client
}

func New(keys store.KeyRepository, h *health.Service, sched *scheduler.Scheduler, limiter *ratelimit.Limiter, cred *credential.Provider, tr *trace.Recorder, catalog map[string]domain.ProviderType) *Pipeline {
	return &Pipeline{
		Keys:           keys,
		Health:         h,
		Scheduler:      sched,
		Limiter:        limiter,
		Cred:           cred,
		Trace:          tr,
		Catalog:        catalog,
		MaxUsageBuffer: defaultMaxUsageBuffer,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Minute,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ServeHTTP is the on_request_filter entry point: CORS short-circuit,
// trace start, inbound auth, rate limit, provider config load, credential
// selection, extended trace update, then the outbound round trip.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeCORSHeaders(w)
		w.WriteHeader(http.StatusOK)
		return
	}

	writeCORSHeaders(w)

	start := time.Now()
	requestID := ulid.Make().String()
	ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
	r = r.WithContext(ctx)

	// Insert the trace row before any possible fail() call, not after: every
	// request beyond the CORS short-circuit gets exactly one row, even one
	// rejected for a missing inbound key or an unknown/inactive ServiceApi.
	// fail() only ever updates a trace, it never inserts one.
	p.Trace.Insert(r.Context(), domain.Trace{
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		CreatedAt: time.Now().UTC(),
	})

	inboundKey := extractInboundKey(r, p.Catalog)
	if inboundKey == "" {
		p.fail(w, r, nil, requestID, start, domain.ErrInboundAuth)
		return
	}

	svcAPI, err := p.Keys.GetServiceApiByInboundKey(r.Context(), inboundKey)
	if err != nil {
		p.fail(w, r, nil, requestID, start, fmt.Errorf("%w: %v", domain.ErrRepositoryFailure, err))
		return
	}
	if svcAPI == nil || !svcAPI.IsActive || svcAPI.Expired(time.Now().UTC()) {
		p.fail(w, r, nil, requestID, start, domain.ErrInboundAuth)
		return
	}

	if !p.Limiter.Allow(svcAPI.ID, svcAPI.RateLimit) {
		rle := &domain.RateLimitError{Scope: domain.ScopeCaller, RetryAfter: 60}
		p.fail(w, r, svcAPI, requestID, start, rle)
		return
	}

	pt, ok := p.Catalog[svcAPI.ProviderTypeID]
	if !ok {
		p.fail(w, r, svcAPI, requestID, start, fmt.Errorf("%w: provider type %q", domain.ErrConfig, svcAPI.ProviderTypeID))
		return
	}

	p.proxy(w, r, svcAPI, &pt, requestID, start, 0, map[string]bool{})
}

type requestIDKey struct{}

func (p *Pipeline) proxy(w http.ResponseWriter, r *http.Request, svcAPI *domain.ServiceApi, pt *domain.ProviderType, requestID string, start time.Time, retryCount int, excluded map[string]bool) {
	keys, err := p.Keys.GetProviderKeysByIDs(r.Context(), svcAPI.ProviderKeyIDs)
	if err != nil {
		p.fail(w, r, svcAPI, requestID, start, fmt.Errorf("%w: %v", domain.ErrRepositoryFailure, err))
		return
	}

	key, err := p.Scheduler.Select(svcAPI.ID, svcAPI.SchedulingStrategy, keys, excluded)
	if err != nil {
		p.fail(w, r, svcAPI, requestID, start, err)
		return
	}

	p.Trace.Update(r.Context(), domain.Trace{
		RequestID:      requestID,
		ServiceApiID:   svcAPI.ID,
		ProviderKeyID:  key.ID,
		ProviderTypeID: pt.ID,
		RetryCount:     retryCount,
	})

	secret, err := p.Cred.Resolve(r.Context(), *key)
	if err != nil {
		excluded[key.ID] = true
		if retryCount < svcAPI.RetryCount {
			p.proxy(w, r, svcAPI, pt, requestID, start, retryCount+1, excluded)
			return
		}
		p.fail(w, r, svcAPI, requestID, start, err)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		p.fail(w, r, svcAPI, requestID, start, fmt.Errorf("%w: read request body: %v", domain.ErrUpstreamFailure, err))
		return
	}
	// A retry re-enters proxy and reads the body again: hand it the same bytes.
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	model := modelFromBody(bodyBytes, pt)

	upstreamReq, err := p.buildUpstreamRequest(r, pt, bodyBytes, secret)
	if err != nil {
		p.fail(w, r, svcAPI, requestID, start, fmt.Errorf("%w: %v", domain.ErrConfig, err))
		return
	}

	resp, err := p.HTTPClient.Do(upstreamReq)
	if err != nil {
		p.Health.ReportTransientFailure(r.Context(), key.ID, err.Error())
		excluded[key.ID] = true
		if retryCount < svcAPI.RetryCount {
			p.proxy(w, r, svcAPI, pt, requestID, start, retryCount+1, excluded)
			return
		}
		p.fail(w, r, svcAPI, requestID, start, &domain.UpstreamNetworkError{Err: err})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		resetAt := retryAfter(resp.Header)
		p.Health.ReportRateLimited(r.Context(), key.ID, resetAt)
		excluded[key.ID] = true
		if retryCount < svcAPI.RetryCount {
			p.proxy(w, r, svcAPI, pt, requestID, start, retryCount+1, excluded)
			return
		}
		p.finalizeResponse(w, r, resp, svcAPI, key, pt, requestID, model, start, retryCount)
		return
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		p.Health.ReportAuthFailure(r.Context(), key.ID, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		excluded[key.ID] = true
		if retryCount < svcAPI.RetryCount {
			p.proxy(w, r, svcAPI, pt, requestID, start, retryCount+1, excluded)
			return
		}
		p.finalizeResponse(w, r, resp, svcAPI, key, pt, requestID, model, start, retryCount)
		return
	}

	if resp.StatusCode >= 500 {
		p.Health.ReportTransientFailure(r.Context(), key.ID, fmt.Sprintf("upstream returned %d", resp.StatusCode))
	} else {
		p.Health.ReportSuccess(r.Context(), key.ID)
	}

	p.finalizeResponse(w, r, resp, svcAPI, key, pt, requestID, model, start, retryCount)
}

// finalizeResponse streams resp to the client while mirroring chunks into a
// bounded buffer for usage extraction, then finalizes the trace row.
func (p *Pipeline) finalizeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, svcAPI *domain.ServiceApi, key *domain.ProviderKey, pt *domain.ProviderType, requestID, model string, start time.Time, retryCount int) {
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	limit := p.MaxUsageBuffer
	if limit <= 0 {
		limit = defaultMaxUsageBuffer
	}

	buf := &bytes.Buffer{}
	contentType := resp.Header.Get("Content-Type")

	flusher, canFlush := w.(http.Flusher)
	reader := io.Reader(resp.Body)
	streamChunk := make([]byte, 4096)

	var truncated bool
	for {
		n, readErr := reader.Read(streamChunk)
		if n > 0 {
			if _, writeErr := w.Write(streamChunk[:n]); writeErr != nil {
				slog.Error("pipeline: write to client failed", "request_id", requestID, "error", writeErr)
				truncated = true
				break
			}
			if canFlush {
				flusher.Flush()
			}
			if buf.Len() < limit {
				remaining := limit - buf.Len()
				if n > remaining {
					buf.Write(streamChunk[:remaining])
				} else {
					buf.Write(streamChunk[:n])
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	t := domain.Trace{
		RequestID:      requestID,
		ServiceApiID:   svcAPI.ID,
		ProviderKeyID:  key.ID,
		ProviderTypeID: pt.ID,
		ModelUsed:      model,
		Method:         r.Method,
		Path:           r.URL.Path,
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: int(time.Since(start).Milliseconds()),
		RetryCount:     retryCount,
		CreatedAt:      time.Now().UTC(),
	}

	switch {
	case truncated:
		// The client disconnected or the write otherwise failed mid-stream:
		// whatever was already sent stands, but the trace must not read as a
		// clean response.
		t.ErrorSource = "pipeline"
		t.ErrorType = "truncated"
	case resp.StatusCode >= 400:
		t.ErrorSource = "upstream"
		t.ErrorType = fmt.Sprintf("upstream_http_%d", resp.StatusCode)
	}

	u, err := extractUsage(buf.Bytes(), contentType, pt.TokenFieldMap)
	if err == nil {
		t.TokensPrompt = u.PromptTokens
		t.TokensCompletion = u.CompletionTokens
		t.TokensTotal = u.TotalTokens
		t.TokensCached = u.CachedTokens
		if t.TokensTotal == 0 {
			t.TokensTotal = t.TokensPrompt + t.TokensCompletion
		}
		if u.Model != "" {
			t.ModelUsed = u.Model
		}
	}

	p.Trace.Update(context.WithoutCancel(r.Context()), t)
}

func extractUsage(body []byte, contentType string, fields domain.TokenFieldMap) (usage.Usage, error) {
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		return usage.ExtractSSE(bytes.NewReader(body), fields)
	case strings.Contains(contentType, "application/json"):
		return usage.ExtractJSON(body, fields)
	default:
		return usage.Usage{}, nil
	}
}

func (p *Pipeline) buildUpstreamRequest(r *http.Request, pt *domain.ProviderType, body []byte, secret string) (*http.Request, error) {
	base := strings.TrimSuffix(pt.BaseURL, "/")
	upstreamURL := base + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for k, vals := range r.Header {
		if isInboundAuthHeader(k, pt) {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	applyAuthHeader(req, pt.AuthHeaderFormat, secret)
	req.Header.Set("User-Agent", "relay-proxy")

	return req, nil
}

// applyAuthHeader sets the outbound auth header per the provider's
// "Header-Name: {token}" template (e.g. "Authorization: Bearer {token}").
func applyAuthHeader(req *http.Request, format, secret string) {
	name, value, ok := parseHeaderFormat(format, secret)
	if !ok {
		req.Header.Set("Authorization", "Bearer "+secret)
		return
	}
	req.Header.Set(name, value)
}

func parseHeaderFormat(format, secret string) (name, value string, ok bool) {
	parts := strings.SplitN(format, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	name = strings.TrimSpace(parts[0])
	value = strings.ReplaceAll(strings.TrimSpace(parts[1]), "{token}", secret)
	return name, value, true
}

func isInboundAuthHeader(header string, pt *domain.ProviderType) bool {
	lower := strings.ToLower(header)
	if lower == "authorization" || lower == "x-api-key" || lower == "x-goog-api-key" {
		return true
	}
	for _, format := range pt.AuthHeaderFormats {
		name, _, ok := parseHeaderFormat(format, "")
		if ok && strings.EqualFold(name, header) {
			return true
		}
	}
	return false
}

// extractInboundKey tries each known auth_header_format across the
// catalog, then falls back to the "api_key" query parameter.
func extractInboundKey(r *http.Request, catalog map[string]domain.ProviderType) string {
	seen := map[string]bool{"authorization": true}
	if v := bearerFrom(r.Header.Get("Authorization")); v != "" {
		return v
	}

	for _, pt := range catalog {
		for _, format := range pt.AuthHeaderFormats {
			name, _, ok := parseHeaderFormat(format, "")
			if !ok {
				continue
			}
			lower := strings.ToLower(name)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			if v := r.Header.Get(name); v != "" {
				return strings.TrimPrefix(v, "Bearer ")
			}
		}
	}

	return r.URL.Query().Get("api_key")
}

func bearerFrom(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func modelFromBody(body []byte, pt *domain.ProviderType) string {
	var partial struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &partial); err == nil && partial.Model != "" {
		return partial.Model
	}
	return pt.DefaultModel
}

func retryAfter(h http.Header) time.Time {
	v := h.Get("Retry-After")
	if v == "" {
		return time.Now().UTC().Add(60 * time.Second)
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Now().UTC().Add(time.Duration(secs) * time.Second)
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.UTC()
	}
	return time.Now().UTC().Add(60 * time.Second)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}

func writeCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, x-api-key, x-goog-api-key")
}

// fail finalizes a trace row (if one was started) and writes an error
// response derived from the taxonomy in domain.StatusFor/ErrorTypeFor.
func (p *Pipeline) fail(w http.ResponseWriter, r *http.Request, svcAPI *domain.ServiceApi, requestID string, start time.Time, err error) {
	status := domain.StatusFor(err)

	var rle *domain.RateLimitError
	if status == http.StatusTooManyRequests {
		if e, ok := err.(*domain.RateLimitError); ok {
			rle = e
			w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfter))
		}
	}

	body := map[string]any{"error": domain.ErrorTypeFor(err)}
	switch status {
	case http.StatusUnauthorized:
		body["error"] = "invalid_api_key"
	case http.StatusTooManyRequests:
		body["error"] = "rate_limit_exceeded"
		if rle != nil {
			body["retry_after"] = rle.RetryAfter
		}
	case http.StatusBadGateway:
		body["error"] = "upstream_failure"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)

	t := domain.Trace{
		RequestID:      requestID,
		Method:         r.Method,
		Path:           r.URL.Path,
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
		StatusCode:     status,
		ResponseTimeMs: int(time.Since(start).Milliseconds()),
		ErrorType:      domain.ErrorTypeFor(err),
		ErrorSource:    "pipeline",
		ErrorMessage:   err.Error(),
		CreatedAt:      time.Now().UTC(),
	}
	if svcAPI != nil {
		t.ServiceApiID = svcAPI.ID
	}

	p.Trace.Update(context.WithoutCancel(r.Context()), t)
}
