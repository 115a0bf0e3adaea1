package domain

import "time"

// Trace is one row per proxied request: inserted at authentication,
// updated after key selection, and finalized once in on_request_end.
type Trace struct {
	RequestID      string `json:"request_id"`
	ServiceApiID   string `json:"service_api_id"`
	ProviderKeyID  string `json:"provider_key_id,omitempty"`
	ProviderTypeID string `json:"provider_type_id,omitempty"`
	ModelUsed      string `json:"model_used,omitempty"`

	Method    string `json:"method"`
	Path      string `json:"path"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`

	StatusCode      int `json:"status_code,omitempty"`
	ResponseTimeMs  int `json:"response_time_ms,omitempty"`
	RetryCount      int `json:"retry_count"`

	TokensPrompt     int `json:"tokens_prompt,omitempty"`
	TokensCompletion int `json:"tokens_completion,omitempty"`
	TokensTotal      int `json:"tokens_total,omitempty"`
	TokensCached     int `json:"tokens_cached,omitempty"`

	Cost         *float64 `json:"cost,omitempty"`
	CostCurrency string   `json:"cost_currency,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorSource  string `json:"error_source,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
