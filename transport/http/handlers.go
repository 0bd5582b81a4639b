package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/service"
)

const identityKey = "identity"

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	jars        *Jars
	logger      logging.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, jars *Jars, logger logging.Logger) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		jars:        jars,
		logger:      logger,
	}
}

// Nonce issues a sign-in nonce as plain text
func (h *AuthHandlers) Nonce(c *gin.Context) {
	nonce, err := h.authService.GetNonce(c.Request.Context(), h.jars.For(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.String(http.StatusOK, nonce)
}

// Verify checks a signed sign-in message and authenticates the session
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "message": "Invalid request"})
		return
	}

	if _, err := h.authService.Verify(c.Request.Context(), h.jars.For(c), c.Request.Host, req.Message, req.Signature); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Logout clears the session
func (h *AuthHandlers) Logout(c *gin.Context) {
	h.authService.Logout(c.Request.Context(), h.jars.For(c))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// User returns the authenticated identity
func (h *AuthHandlers) User(c *gin.Context) {
	id, err := h.authService.WhoAmI(c.Request.Context(), h.jars.For(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "user": userResponse(id)})
}

func userResponse(id *core.Identity) gin.H {
	var expires *string
	if id.ExpirationTime != nil {
		s := id.ExpirationTime.UTC().Format(time.RFC3339)
		expires = &s
	}
	return gin.H{
		"address":        id.Address.Hex(),
		"chainId":        id.ChainID,
		"expirationTime": expires,
	}
}

func (h *AuthHandlers) fail(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

// errorResponse maps an error to its status code and client body. Only validation and
// request errors carry their detail; everything else gets a generic message.
func errorResponse(err error) (int, gin.H) {
	switch core.KindOf(err) {
	case core.KindConfiguration:
		return http.StatusInternalServerError, gin.H{"ok": false, "isConfigurationError": true, "message": err.Error()}
	case core.KindBadRequest:
		return http.StatusBadRequest, gin.H{"ok": false, "message": err.Error()}
	case core.KindValidation:
		message := err.Error()
		if reason, ok := core.Reason(err); ok {
			message = reason
		}
		return http.StatusUnprocessableEntity, gin.H{"ok": false, "message": message}
	case core.KindUnauthenticated:
		return http.StatusUnauthorized, gin.H{"ok": false, "message": unauthenticatedMessage(err)}
	case core.KindOnChain:
		return http.StatusBadGateway, gin.H{"ok": false, "message": "Chain unavailable"}
	default:
		return http.StatusInternalServerError, gin.H{"ok": false, "message": "Internal error"}
	}
}

func unauthenticatedMessage(err error) string {
	for _, target := range []error{core.ErrSessionExpired, core.ErrChainChanged} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return core.ErrNotAuthenticated.Error()
}

// SessionKeyHandlers exposes the caller's session-key state
type SessionKeyHandlers struct {
	manager *service.Manager
	logger  logging.Logger
}

// NewSessionKeyHandlers creates new session-key handlers
func NewSessionKeyHandlers(manager *service.Manager, logger logging.Logger) *SessionKeyHandlers {
	return &SessionKeyHandlers{
		manager: manager,
		logger:  logger,
	}
}

// Status validates the caller's stored session key and reports its state
func (h *SessionKeyHandlers) Status(c *gin.Context) {
	id := c.MustGet(identityKey).(*core.Identity)

	result, err := h.manager.Load(c.Request.Context(), id.Address)
	if err != nil {
		status, body := errorResponse(err)
		h.logger.WithError(err).WithField("owner", id.Address.Hex()).Warn("Failed to load session key")
		c.AbortWithStatusJSON(status, body)
		return
	}

	body := gin.H{"ok": true, "state": string(result.State)}
	if result.Key != nil {
		body["sessionKey"] = gin.H{
			"hash":      result.Key.Hash.Hex(),
			"signer":    result.Key.Delegation.Signer.Hex(),
			"expiresAt": result.Key.Delegation.ExpiresAt.UTC().Format(time.RFC3339),
			"createdAt": result.Key.CreatedAt.UTC().Format(time.RFC3339),
			"status":    result.Status.String(),
		}
	}
	c.JSON(http.StatusOK, body)
}

// Health reports liveness
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
