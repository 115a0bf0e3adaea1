// Package server wires the admin management surface and the request
// pipeline onto one ada.Server, following the teacher's middleware
// composition and route grouping conventions.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/relay/internal/cluster"
	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/credential"
	"github.com/rakunlabs/relay/internal/domain"
	"github.com/rakunlabs/relay/internal/health"
	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/store"
)

// Server hosts both the admin management API and the request pipeline
// that proxies inbound AI-provider calls.
type Server struct {
	config config.Server

	server *ada.Server

	keys     store.KeyRepository
	sessions store.OAuthSessionStore
	rotator  store.KeyRotator

	health  *health.Service
	flow    *credential.AuthorizationFlow
	catalog map[string]domain.ProviderType

	cluster *cluster.Cluster
}

// New builds the Server, registering the admin surface and mounting pipe
// as the handler for every other path.
func New(cfg config.Server, keys store.KeyRepository, sessions store.OAuthSessionStore, rotator store.KeyRotator, h *health.Service, flow *credential.AuthorizationFlow, catalog map[string]domain.ProviderType, cl *cluster.Cluster, pipe *pipeline.Pipeline) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:   cfg,
		server:   mux,
		keys:     keys,
		sessions: sessions,
		rotator:  rotator,
		health:   h,
		flow:     flow,
		catalog:  catalog,
		cluster:  cl,
	}

	baseGroup := mux.Group(cfg.BasePath)

	adminGroup := mux.Group(cfg.BasePath + "/admin/v1")
	if cfg.ForwardAuth != nil {
		adminGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}
	adminGroup.Use(s.adminAuthMiddleware())

	adminGroup.GET("/provider-keys", s.ListProviderKeysAPI)
	adminGroup.POST("/provider-keys", s.CreateProviderKeyAPI)
	adminGroup.GET("/provider-keys/:id", s.GetProviderKeyAPI)
	adminGroup.PUT("/provider-keys/:id", s.UpdateProviderKeyAPI)
	adminGroup.DELETE("/provider-keys/:id", s.DeleteProviderKeyAPI)

	adminGroup.GET("/service-apis", s.ListServiceApisAPI)
	adminGroup.POST("/service-apis", s.CreateServiceApiAPI)
	adminGroup.GET("/service-apis/:id", s.GetServiceApiAPI)
	adminGroup.PUT("/service-apis/:id", s.UpdateServiceApiAPI)
	adminGroup.DELETE("/service-apis/:id", s.DeleteServiceApiAPI)

	adminGroup.POST("/oauth/authorize", s.OAuthAuthorizeAPI)
	adminGroup.GET("/oauth/callback", s.OAuthCallbackAPI)

	adminGroup.POST("/settings/rotate-key", s.RotateKeyAPI)

	// Everything outside /admin/v1 is proxied requests.
	baseGroup.Handle("/*", pipe)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// adminAuthMiddleware protects /admin/v1/* with a static bearer token. If
// no admin_token is configured, every admin request is rejected: there is
// no safe default that leaves management endpoints open.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getUserEmail reads the authenticated operator's email from the header
// the forward-auth middleware populates, for audit logging.
func (s *Server) getUserEmail(r *http.Request) string {
	if s.config.UserHeader == "" {
		return ""
	}
	return r.Header.Get(s.config.UserHeader)
}
