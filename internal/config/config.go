// Package config loads the proxy's configuration tree using chu (with
// environment, Consul, and Vault loaders) and sets the global log level,
// following the same pattern the teacher repository uses for its own
// gateway configuration.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// ProviderTypes seeds the ProviderTypeCatalog on top of the built-in
	// defaults (openai, anthropic, gemini, generic oauth2). Entries here
	// override a built-in of the same name; unknown names add a new type.
	ProviderTypes map[string]ProviderTypeConfig `cfg:"provider_types"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Tasks     Tasks       `cfg:"tasks"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the API to forward auth requests to an external
	// authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, protects the /admin/v1/* endpoints with bearer
	// token authentication. Requests must include "Authorization: Bearer <token>".
	// If not set, all admin endpoints are disabled (403 Forbidden).
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader is the HTTP header name that contains the authenticated user's
	// email address (populated by the forward auth middleware), attached to
	// admin-surface audit logging.
	UserHeader string `cfg:"user_header" default:"X-User"`

	// Alan, if set, enables distributed clustering via UDP peer discovery.
	// This allows multiple proxy instances to coordinate encryption key
	// rotation (distributed lock plus new-key broadcast) across the cluster.
	Alan *alan.Config `cfg:"alan"`
}

// Tasks configures the intervals of the BackgroundTasks (§2, §4.9, §4.10).
type Tasks struct {
	// ActiveRefreshInterval is how often the OAuth Active Refresh Task scans
	// for soon-to-expire tokens (§4.10).
	ActiveRefreshInterval time.Duration `cfg:"active_refresh_interval" default:"1m"`
	// ActiveRefreshWindow is the proactive refresh window: tokens expiring
	// within this window are refreshed ahead of request traffic.
	ActiveRefreshWindow time.Duration `cfg:"active_refresh_window" default:"10m"`
	// RefreshSkew is how far ahead of expiry CredentialProvider.Resolve
	// triggers an on-demand refresh (§4.5).
	RefreshSkew time.Duration `cfg:"refresh_skew" default:"60s"`

	// ResyncInterval is the HealthMap↔DB background resync period (§4.4).
	ResyncInterval time.Duration `cfg:"resync_interval" default:"5m"`

	// DefaultRateLimitResetSeconds is not read by the pipeline: an upstream
	// 429 without a usable Retry-After header always resets after a fixed
	// 60 seconds, whatever this is set to.
	DefaultRateLimitResetSeconds int `cfg:"default_rate_limit_reset_seconds" default:"60"`

	// ConsecutiveFailureThreshold is the number of transient failures before
	// a healthy key is marked unhealthy (§4.4).
	ConsecutiveFailureThreshold int `cfg:"consecutive_failure_threshold" default:"3"`

	// UsageBufferBytes bounds the per-request accumulator used only for
	// usage extraction (§4.7, §9 streaming discipline).
	UsageBufferBytes int `cfg:"usage_buffer_bytes" default:"1048576"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for sensitive
	// provider_key fields (api_key, auth_config_json) stored in the
	// database. The key can be any non-empty string; it is derived to 32
	// bytes internally. When empty, no encryption is applied.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// ProviderTypeConfig is the config-file representation of a ProviderType
// override/addition layered on top of the built-in catalog.
type ProviderTypeConfig struct {
	DisplayName       string                       `cfg:"display_name" json:"display_name"`
	BaseURL           string                       `cfg:"base_url" json:"base_url"`
	AuthHeaderFormat  string                       `cfg:"auth_header_format" json:"auth_header_format"`
	AuthHeaderFormats []string                     `cfg:"auth_header_formats" json:"auth_header_formats"`
	DefaultModel      string                       `cfg:"default_model" json:"default_model"`
	TimeoutSeconds    int                          `cfg:"timeout_seconds" json:"timeout_seconds"`
	AuthConfigs       map[string]AuthConfigOverlay `cfg:"auth_configs" json:"auth_configs"`
}

// AuthConfigOverlay overrides one auth_type entry of a ProviderType's
// AuthConfigs map.
type AuthConfigOverlay struct {
	AuthorizeURL string            `cfg:"authorize_url" json:"authorize_url"`
	TokenURL     string            `cfg:"token_url" json:"token_url"`
	ClientID     string            `cfg:"client_id" json:"client_id"`
	ClientSecret string            `cfg:"client_secret" json:"client_secret" log:"-"`
	RedirectURI  string            `cfg:"redirect_uri" json:"redirect_uri"`
	Scopes       []string          `cfg:"scopes" json:"scopes"`
	ExtraParams  map[string]string `cfg:"extra_params" json:"extra_params"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("RELAY_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
