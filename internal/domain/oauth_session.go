package domain

import "time"

// OAuthSession is authorization-flow state, distinct from ProviderKey: it
// exists only while a caller is going through the authorize → callback
// round trip, and is archived once that completes.
type OAuthSession struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	ProviderTypeID string `json:"provider_type_id"`
	AuthType       string `json:"auth_type"`

	State          string `json:"state"`
	CodeVerifier   string `json:"code_verifier"`
	CodeChallenge  string `json:"code_challenge"`
	RedirectURI    string `json:"redirect_uri"`
	Scopes         []string `json:"scopes"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Expired reports whether the session's expiry has passed as of now.
func (s *OAuthSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
