// Package server exposes the change review operations over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/accounts"
	"github.com/MarcoPoloResearchLab/patchset/internal/approvals"
	"github.com/MarcoPoloResearchLab/patchset/internal/auth"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/events"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/MarcoPoloResearchLab/patchset/internal/markup"
	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
	"github.com/MarcoPoloResearchLab/patchset/internal/rebase"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	callerContextKey         = "patchset_caller"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingChanges       = errors.New("change service dependency required")
	errMissingRebaser       = errors.New("rebase executor dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingPermissions   = errors.New("permission backend dependency required")
	errMissingSessionLookup = errors.New("session validation requires an account resolver")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator validates API bearer tokens and returns the account they were issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SessionValidator validates browser session cookies.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// SessionResolver maps session claims onto an account.
type SessionResolver interface {
	ResolveSession(ctx context.Context, claims auth.SessionClaims) (accounts.Profile, error)
}

// Dependencies wires the HTTP handler. Copier, Labels, Sessions, Dispatcher and Markup are
// optional; the routes backed by them are only registered when they are set.
type Dependencies struct {
	Changes     *changes.Service
	Rebaser     *rebase.Executor
	Copier      *approvals.RecursiveCopier
	Labels      *labels.Store
	Permissions permissions.Backend
	Tokens      TokenValidator
	Sessions    SessionValidator
	Accounts    SessionResolver
	Dispatcher  *events.Dispatcher
	Markup      *markup.Renderer
	Logger      *zap.Logger
	// AllowedOrigins defaults to any origin.
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

// NewHTTPHandler validates deps and builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Changes == nil {
		return nil, errMissingChanges
	}
	if deps.Rebaser == nil {
		return nil, errMissingRebaser
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Permissions == nil {
		return nil, errMissingPermissions
	}
	if deps.Sessions != nil && deps.Accounts == nil {
		return nil, errMissingSessionLookup
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	renderer := deps.Markup
	if renderer == nil {
		renderer = markup.NewRenderer()
	}

	router := gin.New()
	// Projects may contain slashes; they arrive escaped and stay a single path segment.
	router.UseRawPath = true
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		changes:     deps.Changes,
		rebaser:     deps.Rebaser,
		copier:      deps.Copier,
		labels:      deps.Labels,
		permissions: deps.Permissions,
		tokens:      deps.Tokens,
		sessions:    deps.Sessions,
		accounts:    deps.Accounts,
		dispatcher:  deps.Dispatcher,
		markup:      renderer,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/changes", handler.handleCreateChange)
	protected.GET("/changes", handler.handleQueryChanges)
	protected.GET("/changes/:number", handler.handleGetChange)
	protected.GET("/changes/:number/messages", handler.handleListMessages)
	protected.POST("/changes/:number/revisions", handler.handleUploadPatchSet)
	protected.POST("/changes/:number/review", handler.handleReview)
	protected.POST("/changes/:number/rebase", handler.handleRebase)
	protected.POST("/changes/:number/revisions/:patchset/rebase", handler.handleRebase)
	protected.POST("/changes/:number/rebase-chain", handler.handleRebaseChain)
	protected.POST("/changes/:number/abandon", handler.handleAbandon)
	protected.POST("/changes/:number/restore", handler.handleRestore)
	protected.PUT("/changes/:number/private", handler.handleSetPrivate(true))
	protected.DELETE("/changes/:number/private", handler.handleSetPrivate(false))
	protected.POST("/changes/:number/wip", handler.handleSetWorkInProgress(true))
	protected.POST("/changes/:number/ready", handler.handleSetWorkInProgress(false))
	protected.POST("/changes/:number/revert", handler.handleRevert)
	protected.POST("/changes/:number/submit", handler.handleSubmit)
	protected.GET("/changes/:number/submit_requirements", handler.handleSubmitRequirements)
	protected.POST("/projects/:project/branches/:branch/commits", handler.handleCommitToBranch)

	if deps.Labels != nil {
		protected.PUT("/projects/:project/labels/:label", handler.handlePutLabel)
		protected.DELETE("/projects/:project/labels/:label", handler.handleDeleteLabel)
	}
	if deps.Copier != nil {
		protected.POST("/admin/copy-approvals", handler.handleCopyApprovals)
	}
	if deps.Dispatcher != nil {
		protected.GET("/events", handler.handleEventStream)
	}

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	changes     *changes.Service
	rebaser     *rebase.Executor
	copier      *approvals.RecursiveCopier
	labels      *labels.Store
	permissions permissions.Backend
	tokens      TokenValidator
	sessions    SessionValidator
	accounts    SessionResolver
	dispatcher  *events.Dispatcher
	markup      *markup.Renderer
	heartbeat   time.Duration
	logger      *zap.Logger
}

// authorizeRequest accepts a bearer token, an access_token query parameter for event streams
// that cannot set headers, or a session cookie.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, present := bearerToken(c)
	if present {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		subject, err := h.tokens.ValidateToken(token)
		if err != nil {
			h.logTokenFailure("token validation failed", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(callerContextKey, subject)
		c.Next()
		return
	}

	if h.sessions != nil {
		claims, err := h.sessions.ValidateRequest(c.Request)
		if err == nil {
			profile, err := h.accounts.ResolveSession(c.Request.Context(), claims)
			if err != nil {
				h.logger.Warn("session account resolution failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Set(callerContextKey, profile.ID)
			c.Next()
			return
		}
		if !errors.Is(err, auth.ErrMissingSessionToken) {
			h.logTokenFailure("session validation failed", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
}

// logTokenFailure keeps expired credentials out of the warning stream.
func (h *httpHandler) logTokenFailure(message string, err error) {
	if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredSessionToken) {
		h.logger.Info(message, zap.Error(err))
		return
	}
	h.logger.Warn(message, zap.Error(err))
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", true
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
	}
	if token, ok := c.GetQuery(accessTokenQueryParam); ok {
		return strings.TrimSpace(token), true
	}
	return "", false
}

func callerOf(c *gin.Context) string {
	return c.GetString(callerContextKey)
}
