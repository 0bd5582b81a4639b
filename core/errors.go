package core

import (
	"errors"
	"fmt"
)

// Validation failures. Their text is returned to clients as-is.
var (
	ErrInvalidMessage     = errors.New("InvalidMessage")
	ErrChainMismatch      = errors.New("ChainMismatch")
	ErrDomainMismatch     = errors.New("DomainMismatch")
	ErrMessageExpired     = errors.New("MessageExpired")
	ErrMessageNotYetValid = errors.New("MessageNotYetValid")
	ErrNonceInvalid       = errors.New("NonceInvalid")
	ErrSignatureInvalid   = errors.New("SignatureInvalid")
)

var (
	ErrBadRequest = errors.New("bad request")

	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session has expired")
	ErrChainChanged     = errors.New("session chain no longer matches configured chain")

	ErrConfiguration = errors.New("configuration error")

	ErrNotFound         = errors.New("not found")
	ErrDecryptionFailed = errors.New("decryption failed")

	ErrDelegationNotCreated = errors.New("delegation not created")
	ErrRevocationFailed     = errors.New("delegation revocation failed")
	ErrStatusUnavailable    = errors.New("delegation status unavailable")
	ErrCreateInProgress     = errors.New("session key creation already in progress")
	ErrNoActiveSessionKey   = errors.New("no active session key")
	ErrInvalidTransition    = errors.New("invalid session key state transition")

	ErrPolicyViolation   = errors.New("call not permitted by session key policy")
	ErrInclusionTimeout  = errors.New("transaction not included in time, likely a nonce or fee issue")
	ErrTransactionFailed = errors.New("transaction failed")
)

// ConfigError describes a deployment misconfiguration. It must reach the operator
// and is never reported as an authentication failure.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrConfiguration) match any ConfigError
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// TransactionError carries the best-effort revert reason of a failed transaction
type TransactionError struct {
	TxHash string
	Reason string
	Err    error
}

func (e *TransactionError) Error() string {
	if e.TxHash == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("%v: %s (tx %s)", e.Err, e.Reason, e.TxHash)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Kind groups errors by how they must be handled at the service boundary
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindConfiguration   Kind = "configuration"
	KindBadRequest      Kind = "bad_request"
	KindValidation      Kind = "validation"
	KindUnauthenticated Kind = "unauthenticated"
	KindOnChain         Kind = "on_chain"
	KindDecryption      Kind = "decryption"
	KindTransaction     Kind = "transaction"
)

var validationErrors = []error{
	ErrInvalidMessage, ErrChainMismatch, ErrDomainMismatch, ErrMessageExpired,
	ErrMessageNotYetValid, ErrNonceInvalid, ErrSignatureInvalid,
}

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindConfiguration, []error{ErrConfiguration}},
	{KindBadRequest, []error{ErrBadRequest}},
	{KindValidation, append(validationErrors, ErrPolicyViolation)},
	{KindUnauthenticated, []error{ErrNotAuthenticated, ErrSessionExpired, ErrChainChanged}},
	{KindDecryption, []error{ErrDecryptionFailed}},
	{KindOnChain, []error{ErrDelegationNotCreated, ErrRevocationFailed, ErrStatusUnavailable}},
	{KindTransaction, []error{ErrInclusionTimeout, ErrTransactionFailed}},
}

// KindOf classifies err. Configuration errors win over anything they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindUnknown
}

// Reason returns the client-facing reason of a sign-in validation failure
func Reason(err error) (string, bool) {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return target.Error(), true
		}
	}
	return "", false
}
