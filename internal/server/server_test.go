package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/health"
	"github.com/rakunlabs/relay/internal/store/memory"
)

type stubResetter struct{}

func (stubResetter) Schedule(keyID string, fireAt time.Time) {}
func (stubResetter) Cancel(keyID string)                     {}

func newTestServer(t *testing.T) (*Server, *memory.Memory) {
	t.Helper()
	st := memory.New()
	h := health.NewService(st, stubResetter{}, 3)
	return &Server{
		config: config.Server{AdminToken: "secret-token"},
		keys:   st,
		health: h,
		catalog: map[string]domain.ProviderType{
			"openai": {ID: "openai"},
		},
	}, st
}

func TestAdminAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	mw := s.adminAuthMiddleware()

	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/provider-keys", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if called {
		t.Fatal("next handler should not run without a valid bearer token")
	}
}

func TestAdminAuthMiddlewareRejectsWhenNoTokenConfigured(t *testing.T) {
	s, _ := newTestServer(t)
	s.config.AdminToken = ""
	mw := s.adminAuthMiddleware()
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/provider-keys", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 when no admin token is configured", rec.Code)
	}
}

func TestAdminAuthMiddlewareAcceptsMatchingToken(t *testing.T) {
	s, _ := newTestServer(t)
	mw := s.adminAuthMiddleware()

	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/provider-keys", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !called {
		t.Fatal("next handler should run for a matching bearer token")
	}
}

func TestCreateAndGetProviderKeyAPI(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(domain.ProviderKey{
		ProviderTypeID: "openai",
		AuthType:       domain.AuthTypeAPIKey,
		APIKey:         "sk-live-secret",
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/provider-keys", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.CreateProviderKeyAPI(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}

	var created providerKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created response: %v", err)
	}
	if created.APIKey != "***" {
		t.Fatalf("created response should redact APIKey, got %q", created.APIKey)
	}
	if created.ID == "" {
		t.Fatal("expected a generated ID in the create response")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/admin/v1/provider-keys/"+created.ID, nil)
	getReq.SetPathValue("id", created.ID)
	getRec := httptest.NewRecorder()
	s.GetProviderKeyAPI(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getRec.Code)
	}
}

func TestCreateProviderKeyAPIRejectsUnknownProviderType(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(domain.ProviderKey{ProviderTypeID: "does_not_exist"})
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/provider-keys", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.CreateProviderKeyAPI(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for an unknown provider_type_id", rec.Code)
	}
}

func TestGetProviderKeyAPINotFound(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/provider-keys/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	s.GetProviderKeyAPI(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUpdateProviderKeyAPIPreservesSecretsWhenOmitted(t *testing.T) {
	s, st := newTestServer(t)

	key, err := st.CreateProviderKey(t.Context(), domain.ProviderKey{
		ProviderTypeID: "openai",
		AuthType:       domain.AuthTypeAPIKey,
		APIKey:         "sk-original",
		IsActive:       true,
	})
	if err != nil {
		t.Fatalf("CreateProviderKey: %v", err)
	}

	body, _ := json.Marshal(domain.ProviderKey{
		ProviderTypeID: "openai",
		Name:           "renamed",
		IsActive:       true,
	})
	req := httptest.NewRequest(http.MethodPut, "/admin/v1/provider-keys/"+key.ID, bytes.NewReader(body))
	req.SetPathValue("id", key.ID)
	rec := httptest.NewRecorder()
	s.UpdateProviderKeyAPI(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	saved, err := st.GetProviderKey(t.Context(), key.ID)
	if err != nil {
		t.Fatalf("GetProviderKey: %v", err)
	}
	if saved.APIKey != "sk-original" {
		t.Fatalf("an update omitting api_key must not wipe the stored secret, got %q", saved.APIKey)
	}
	if saved.Name != "renamed" {
		t.Fatalf("Name = %q, want renamed", saved.Name)
	}
}

func TestDeleteProviderKeyAPIRemovesHealthEntry(t *testing.T) {
	s, st := newTestServer(t)

	key, _ := st.CreateProviderKey(t.Context(), domain.ProviderKey{ProviderTypeID: "openai", IsActive: true})
	if err := s.health.RegisterKey(t.Context(), key.ID); err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/admin/v1/provider-keys/"+key.ID, nil)
	req.SetPathValue("id", key.ID)
	rec := httptest.NewRecorder()
	s.DeleteProviderKeyAPI(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	deleted, err := st.GetProviderKey(t.Context(), key.ID)
	if err != nil {
		t.Fatalf("GetProviderKey: %v", err)
	}
	if deleted != nil {
		t.Fatal("provider key should be gone after delete")
	}
}

func TestCreateServiceApiAPIGeneratesInboundKeyOnce(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(domain.ServiceApi{ProviderTypeID: "openai"})
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/service-apis", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.CreateServiceApiAPI(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}

	var created serviceApiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.InboundAPIKey == "" {
		t.Fatal("create response must echo the plaintext inbound key exactly once")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/admin/v1/service-apis", nil)
	listRec := httptest.NewRecorder()
	s.ListServiceApisAPI(listRec, listReq)

	var listed serviceApisResponse
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	for _, sa := range listed.ServiceApis {
		if sa.InboundAPIKey != "" {
			t.Fatal("listed service apis must never expose the inbound key again")
		}
	}
}

func TestRotateKeyAPIWithoutRotatorSupport(t *testing.T) {
	s, _ := newTestServer(t)
	s.rotator = nil

	body, _ := json.Marshal(rotateKeyRequest{EncryptionKey: "new-passphrase"})
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/settings/rotate-key", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.RotateKeyAPI(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when the store has no rotator", rec.Code)
	}
}

func TestOAuthCallbackAPIRequiresStateAndCode(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/oauth/callback", nil)
	rec := httptest.NewRecorder()
	s.OAuthCallbackAPI(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when state/code are missing", rec.Code)
	}
}
