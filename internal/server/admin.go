package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	atcrypto "github.com/rakunlabs/relay/internal/crypto"
	"github.com/rakunlabs/relay/internal/domain"
)

// ─── Provider Key CRUD API ───

type providerKeysResponse struct {
	ProviderKeys []domain.ProviderKey `json:"provider_keys"`
}

type providerKeyResponse struct {
	domain.ProviderKey
}

// ListProviderKeysAPI handles GET /admin/v1/provider-keys.
func (s *Server) ListProviderKeysAPI(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.ListProviderKeys(r.Context())
	if err != nil {
		slog.Error("list provider keys failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list provider keys: %v", err), http.StatusInternalServerError)
		return
	}

	if keys == nil {
		keys = []domain.ProviderKey{}
	}
	for i := range keys {
		keys[i] = keys[i].Redact()
	}

	httpResponseJSON(w, providerKeysResponse{ProviderKeys: keys}, http.StatusOK)
}

// GetProviderKeyAPI handles GET /admin/v1/provider-keys/:id.
func (s *Server) GetProviderKeyAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	key, err := s.keys.GetProviderKey(r.Context(), id)
	if err != nil {
		slog.Error("get provider key failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get provider key: %v", err), http.StatusInternalServerError)
		return
	}
	if key == nil {
		httpResponse(w, fmt.Sprintf("provider key %q not found", id), http.StatusNotFound)
		return
	}

	httpResponseJSON(w, providerKeyResponse{ProviderKey: key.Redact()}, http.StatusOK)
}

// CreateProviderKeyAPI handles POST /admin/v1/provider-keys.
func (s *Server) CreateProviderKeyAPI(w http.ResponseWriter, r *http.Request) {
	var req domain.ProviderKey
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.ProviderTypeID == "" {
		httpResponse(w, "provider_type_id is required", http.StatusBadRequest)
		return
	}
	if _, ok := s.catalog[req.ProviderTypeID]; !ok {
		httpResponse(w, fmt.Sprintf("unknown provider_type_id %q", req.ProviderTypeID), http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = s.getUserEmail(r)
	}
	if req.AuthStatus == "" {
		req.AuthStatus = domain.AuthStatusPending
	}
	if req.HealthStatus == "" {
		req.HealthStatus = domain.HealthHealthy
	}

	created, err := s.keys.CreateProviderKey(r.Context(), req)
	if err != nil {
		slog.Error("create provider key failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to create provider key: %v", err), http.StatusInternalServerError)
		return
	}

	if err := s.health.RegisterKey(r.Context(), created.ID); err != nil {
		slog.Warn("provider key created but health registration failed", "id", created.ID, "error", err)
	}

	httpResponseJSON(w, providerKeyResponse{ProviderKey: created.Redact()}, http.StatusCreated)
}

// UpdateProviderKeyAPI handles PUT /admin/v1/provider-keys/:id.
func (s *Server) UpdateProviderKeyAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req domain.ProviderKey
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	// Preserve the existing secret fields when the request omits them: the
	// admin UI redacts api_key/auth_config_json on read, so a no-op edit
	// must not wipe the stored credential.
	if req.APIKey == "" || req.AuthConfigJSON == "" {
		existing, err := s.keys.GetProviderKey(r.Context(), id)
		if err != nil {
			slog.Error("update provider key: failed to read existing", "id", id, "error", err)
			httpResponse(w, fmt.Sprintf("failed to read existing provider key: %v", err), http.StatusInternalServerError)
			return
		}
		if existing != nil {
			if req.APIKey == "" {
				req.APIKey = existing.APIKey
			}
			if req.AuthConfigJSON == "" {
				req.AuthConfigJSON = existing.AuthConfigJSON
			}
		}
	}

	updated, err := s.keys.UpdateProviderKey(r.Context(), id, req)
	if err != nil {
		slog.Error("update provider key failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to update provider key: %v", err), http.StatusInternalServerError)
		return
	}
	if updated == nil {
		httpResponse(w, fmt.Sprintf("provider key %q not found", id), http.StatusNotFound)
		return
	}

	if updated.IsActive {
		s.health.ResetToHealthy(r.Context(), updated.ID)
	} else {
		s.health.RemoveKey(updated.ID)
	}

	httpResponseJSON(w, providerKeyResponse{ProviderKey: updated.Redact()}, http.StatusOK)
}

// DeleteProviderKeyAPI handles DELETE /admin/v1/provider-keys/:id.
func (s *Server) DeleteProviderKeyAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.keys.DeleteProviderKey(r.Context(), id); err != nil {
		slog.Error("delete provider key failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to delete provider key: %v", err), http.StatusInternalServerError)
		return
	}

	s.health.RemoveKey(id)

	httpResponse(w, "deleted", http.StatusOK)
}

// ─── Service API CRUD API ───

type serviceApisResponse struct {
	ServiceApis []domain.ServiceApi `json:"service_apis"`
}

type serviceApiResponse struct {
	domain.ServiceApi
}

// ListServiceApisAPI handles GET /admin/v1/service-apis.
func (s *Server) ListServiceApisAPI(w http.ResponseWriter, r *http.Request) {
	sas, err := s.keys.ListServiceApis(r.Context())
	if err != nil {
		slog.Error("list service apis failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list service apis: %v", err), http.StatusInternalServerError)
		return
	}

	if sas == nil {
		sas = []domain.ServiceApi{}
	}
	// The plaintext inbound key is never persisted past creation; only its
	// hash is stored, so there is nothing secret left to redact here.
	for i := range sas {
		sas[i].InboundAPIKey = ""
	}

	httpResponseJSON(w, serviceApisResponse{ServiceApis: sas}, http.StatusOK)
}

// GetServiceApiAPI handles GET /admin/v1/service-apis/:id.
func (s *Server) GetServiceApiAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sa, err := s.keys.GetServiceApi(r.Context(), id)
	if err != nil {
		slog.Error("get service api failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get service api: %v", err), http.StatusInternalServerError)
		return
	}
	if sa == nil {
		httpResponse(w, fmt.Sprintf("service api %q not found", id), http.StatusNotFound)
		return
	}
	sa.InboundAPIKey = ""

	httpResponseJSON(w, serviceApiResponse{ServiceApi: *sa}, http.StatusOK)
}

// CreateServiceApiAPI handles POST /admin/v1/service-apis. The inbound API
// key is generated server-side and returned exactly once: only its hash is
// ever persisted or returned again.
func (s *Server) CreateServiceApiAPI(w http.ResponseWriter, r *http.Request) {
	var req domain.ServiceApi
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.ProviderTypeID == "" {
		httpResponse(w, "provider_type_id is required", http.StatusBadRequest)
		return
	}
	if _, ok := s.catalog[req.ProviderTypeID]; !ok {
		httpResponse(w, fmt.Sprintf("unknown provider_type_id %q", req.ProviderTypeID), http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = s.getUserEmail(r)
	}
	if req.SchedulingStrategy == "" {
		req.SchedulingStrategy = domain.StrategyRoundRobin
	}
	req.IsActive = true

	plaintext, err := randomAPIKey()
	if err != nil {
		slog.Error("generate inbound api key failed", "error", err)
		httpResponse(w, "failed to generate inbound api key", http.StatusInternalServerError)
		return
	}
	req.InboundAPIKey = plaintext

	created, err := s.keys.CreateServiceApi(r.Context(), req)
	if err != nil {
		slog.Error("create service api failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to create service api: %v", err), http.StatusInternalServerError)
		return
	}

	// The store persists only the hash; echo the plaintext back this once.
	created.InboundAPIKey = plaintext

	httpResponseJSON(w, serviceApiResponse{ServiceApi: *created}, http.StatusCreated)
}

// UpdateServiceApiAPI handles PUT /admin/v1/service-apis/:id.
func (s *Server) UpdateServiceApiAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req domain.ServiceApi
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	// The inbound key is immutable after creation; rotating it is a
	// separate, explicit operation this API does not expose yet.
	req.InboundAPIKey = ""

	updated, err := s.keys.UpdateServiceApi(r.Context(), id, req)
	if err != nil {
		slog.Error("update service api failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to update service api: %v", err), http.StatusInternalServerError)
		return
	}
	if updated == nil {
		httpResponse(w, fmt.Sprintf("service api %q not found", id), http.StatusNotFound)
		return
	}
	updated.InboundAPIKey = ""

	httpResponseJSON(w, serviceApiResponse{ServiceApi: *updated}, http.StatusOK)
}

// DeleteServiceApiAPI handles DELETE /admin/v1/service-apis/:id.
func (s *Server) DeleteServiceApiAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.keys.DeleteServiceApi(r.Context(), id); err != nil {
		slog.Error("delete service api failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to delete service api: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "deleted", http.StatusOK)
}

// ─── OAuth Authorization API ───

type oauthAuthorizeRequest struct {
	ProviderTypeID string `json:"provider_type_id"`
	AuthType       string `json:"auth_type"`
	RedirectURI    string `json:"redirect_uri,omitempty"`
}

type oauthAuthorizeResponse struct {
	AuthorizeURL string `json:"authorize_url"`
	SessionID    string `json:"session_id"`
}

// OAuthAuthorizeAPI handles POST /admin/v1/oauth/authorize, starting a
// three-legged authorization attempt for a new OAuth-like provider key.
func (s *Server) OAuthAuthorizeAPI(w http.ResponseWriter, r *http.Request) {
	var req oauthAuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	result, err := s.flow.Initiate(r.Context(), s.getUserEmail(r), req.ProviderTypeID, req.AuthType, req.RedirectURI)
	if err != nil {
		slog.Error("oauth initiate failed", "provider_type_id", req.ProviderTypeID, "error", err)
		httpResponse(w, fmt.Sprintf("failed to start authorization: %v", err), http.StatusBadRequest)
		return
	}

	httpResponseJSON(w, oauthAuthorizeResponse{AuthorizeURL: result.AuthorizeURL, SessionID: result.SessionID}, http.StatusOK)
}

// OAuthCallbackAPI handles GET /admin/v1/oauth/callback?state=&code=,
// exchanging the authorization code and creating the authorized key.
func (s *Server) OAuthCallbackAPI(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		httpResponse(w, "state and code query parameters are required", http.StatusBadRequest)
		return
	}

	key, err := s.flow.Complete(r.Context(), state, code)
	if err != nil {
		slog.Error("oauth complete failed", "error", err)
		httpResponse(w, fmt.Sprintf("authorization failed: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.health.RegisterKey(r.Context(), key.ID); err != nil {
		slog.Warn("oauth key authorized but health registration failed", "id", key.ID, "error", err)
	}

	httpResponseJSON(w, providerKeyResponse{ProviderKey: key.Redact()}, http.StatusOK)
}

// ─── Key Rotation API ───

type rotateKeyRequest struct {
	// EncryptionKey is the new encryption passphrase. If empty, encryption
	// is disabled and all credentials are stored as plaintext.
	EncryptionKey string `json:"encryption_key"`
}

// RotateKeyAPI handles POST /admin/v1/settings/rotate-key. It re-encrypts
// all provider credentials with a new key. When clustering is enabled, it
// acquires a distributed lock and broadcasts the new key to all peers after
// the rotation commits.
func (s *Server) RotateKeyAPI(w http.ResponseWriter, r *http.Request) {
	if s.rotator == nil {
		httpResponse(w, "encryption key rotation is not supported by the current store", http.StatusBadRequest)
		return
	}

	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	// Derive the new AES-256 key. If the passphrase is empty, newKey is nil,
	// which tells the store to disable encryption (store plaintext).
	var newKey []byte
	if req.EncryptionKey != "" {
		var err error
		newKey, err = atcrypto.DeriveKey(req.EncryptionKey)
		if err != nil {
			httpResponse(w, fmt.Sprintf("invalid encryption key: %v", err), http.StatusBadRequest)
			return
		}
	}

	if s.cluster != nil {
		if err := s.cluster.Lock(r.Context()); err != nil {
			slog.Error("failed to acquire distributed lock for key rotation", "error", err)
			httpResponse(w, fmt.Sprintf("failed to acquire distributed lock: %v", err), http.StatusServiceUnavailable)
			return
		}
		defer func() {
			if err := s.cluster.Unlock(); err != nil {
				slog.Error("failed to release distributed lock", "error", err)
			}
		}()
	}

	if err := s.rotator.RotateEncryptionKey(r.Context(), newKey); err != nil {
		slog.Error("encryption key rotation failed", "error", err)
		httpResponse(w, fmt.Sprintf("key rotation failed: %v", err), http.StatusInternalServerError)
		return
	}

	if s.cluster != nil {
		if err := s.cluster.BroadcastNewKey(r.Context(), newKey); err != nil {
			// Rotation succeeded but broadcast failed. Log prominently so the
			// operator knows peer instances may need a restart.
			slog.Error("key rotation succeeded but peer broadcast failed — other instances may need a restart",
				"error", err,
			)
		}
	}

	httpResponse(w, "encryption key rotated successfully", http.StatusOK)
}

// randomAPIKey generates a new inbound API key, shown to the caller exactly
// once at creation time.
func randomAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "relay_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
