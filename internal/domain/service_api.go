package domain

import "time"

// Scheduling strategy constants for ServiceApi.SchedulingStrategy.
const (
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
)

// ServiceApi is a caller-owned policy binding one inbound API key to an
// ordered pool of backend ProviderKey ids and a scheduling strategy.
type ServiceApi struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	ProviderTypeID    string `json:"provider_type_id"`
	InboundAPIKey     string `json:"inbound_api_key"`
	InboundAPIKeyHash string `json:"inbound_api_key_hash,omitempty"`

	ProviderKeyIDs     []string `json:"provider_key_ids"`
	SchedulingStrategy string   `json:"scheduling_strategy"`

	RetryCount      int `json:"retry_count"`
	TimeoutSeconds  int `json:"timeout_seconds"`
	RateLimit       int `json:"rate_limit"` // requests per minute
	MaxTokensPerDay int `json:"max_tokens_per_day"`

	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the service API's expiry has passed as of now.
func (s *ServiceApi) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}
