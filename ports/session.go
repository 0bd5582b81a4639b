package ports

import (
	"context"

	"github.com/layer-3/sigil/core"
)

// SessionCodec converts between an AuthSession and its opaque client-held form
type SessionCodec interface {
	Encode(session *core.AuthSession) (string, error)
	Decode(value string) (*core.AuthSession, error)
}

// SessionJar loads and persists the AuthSession of a single request
type SessionJar interface {
	// Load never fails: an unreadable session is an empty one
	Load() *core.AuthSession
	Save(session *core.AuthSession) error
	Destroy()
}

// MessageVerifier checks a signed sign-in message against the expected claims
type MessageVerifier interface {
	Verify(ctx context.Context, req VerifyRequest) (*core.Identity, error)
}

// VerifyRequest is the input of a message verification
type VerifyRequest struct {
	Message         string
	Signature       []byte
	ExpectedNonce   string
	ExpectedChainID int64
	ExpectedDomain  string
}
