package ports

import "context"

// Session-key lifecycle events
const (
	SessionKeyCreated = "created"
	SessionKeyRevoked = "revoked"
	SessionKeyPurged  = "purged"
	SessionKeyRotated = "rotated"
	SessionKeyPending = "revocation_pending"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishLogout(ctx context.Context, address string) error
	PublishSessionKey(ctx context.Context, owner, hash, event string) error
}
