package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/ports"
)

// AuthConfig holds the claims a sign-in message is checked against
type AuthConfig struct {
	// ChainID is the chain sessions are issued for
	ChainID int64

	// Domain is the expected message domain. When empty the request host is expected.
	Domain string

	// ConfigErr, when set, is returned by every operation that needs the session codec
	ConfigErr error
}

// AuthService handles authentication business logic
type AuthService struct {
	nonces   *NonceStore
	verifier ports.MessageVerifier
	eventPub ports.EventPublisher
	metrics  *Metrics
	logger   logging.Logger

	cfg AuthConfig
	now func() time.Time
}

// NewAuthService creates a new authentication service
func NewAuthService(
	verifier ports.MessageVerifier,
	eventPub ports.EventPublisher,
	metrics *Metrics,
	logger logging.Logger,
	cfg AuthConfig,
) *AuthService {
	return &AuthService{
		nonces:   NewNonceStore(),
		verifier: verifier,
		eventPub: eventPub,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// GetNonce issues a fresh nonce into the caller's session
func (s *AuthService) GetNonce(ctx context.Context, jar ports.SessionJar) (string, error) {
	if s.cfg.ConfigErr != nil {
		return "", s.cfg.ConfigErr
	}

	nonce, err := s.nonces.Issue(jar)
	if err != nil {
		return "", err
	}

	s.metrics.nonceIssued()
	return nonce, nil
}

// Verify checks a signed sign-in message against the nonce on record. The nonce is
// consumed by every attempt that passes input validation, successful or not.
func (s *AuthService) Verify(ctx context.Context, jar ports.SessionJar, host, message, signature string) (*core.Identity, error) {
	if s.cfg.ConfigErr != nil {
		return nil, s.cfg.ConfigErr
	}

	sig, err := parseSignature(signature)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", core.ErrBadRequest)
	}

	session := jar.Load()
	expectedNonce := session.ConsumeNonce()

	domain := s.cfg.Domain
	if domain == "" {
		domain = host
	}

	id, verifyErr := s.verifier.Verify(ctx, ports.VerifyRequest{
		Message:         message,
		Signature:       sig,
		ExpectedNonce:   expectedNonce,
		ExpectedChainID: s.cfg.ChainID,
		ExpectedDomain:  domain,
	})
	if verifyErr == nil {
		session.Authenticate(*id)
	}

	if err := jar.Save(session); err != nil {
		s.metrics.verification(string(core.KindOf(err)))
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if verifyErr != nil {
		s.metrics.verification(verificationResult(verifyErr))
		s.logger.WithError(verifyErr).Debug("Sign-in verification failed")
		return nil, verifyErr
	}

	s.metrics.verification("ok")
	s.logger.WithField("address", id.Address.Hex()).Info("Signed in")
	return id, nil
}

// Logout clears the session and destroys the cookie
func (s *AuthService) Logout(ctx context.Context, jar ports.SessionJar) {
	session := jar.Load()
	jar.Destroy()
	s.metrics.logout()

	if session.Address == nil {
		return
	}

	// The session is already gone, a lost notification only delays other instances
	if err := s.eventPub.PublishLogout(ctx, session.Address.Hex()); err != nil {
		s.logger.WithError(err).Warn("Failed to publish logout event")
	}
}

// WhoAmI returns the identity of an authenticated, unexpired session on the configured chain
func (s *AuthService) WhoAmI(ctx context.Context, jar ports.SessionJar) (*core.Identity, error) {
	if s.cfg.ConfigErr != nil {
		return nil, s.cfg.ConfigErr
	}

	session := jar.Load()
	if !session.IsAuthenticated || session.Address == nil {
		return nil, core.ErrNotAuthenticated
	}
	if session.ExpirationTime != nil && !session.ExpirationTime.After(s.now()) {
		return nil, core.ErrSessionExpired
	}
	if session.ChainID != s.cfg.ChainID {
		return nil, core.ErrChainChanged
	}

	return &core.Identity{
		Address:        *session.Address,
		ChainID:        session.ChainID,
		ExpirationTime: session.ExpirationTime,
	}, nil
}

// parseSignature requires 0x-prefixed, even-length hex of at least one ECDSA signature
func parseSignature(signature string) ([]byte, error) {
	if !strings.HasPrefix(signature, "0x") {
		return nil, fmt.Errorf("%w: signature must be 0x-prefixed hex", core.ErrBadRequest)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not valid hex", core.ErrBadRequest)
	}
	if len(sig) < crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature must be at least %d bytes", core.ErrBadRequest, crypto.SignatureLength)
	}
	return sig, nil
}

func verificationResult(err error) string {
	if reason, ok := core.Reason(err); ok {
		return reason
	}
	return string(core.KindOf(err))
}
