package consenttoken

// Kind classifies a verification failure.
type Kind string

const (
	KindInvalidSignature Kind = "invalid_signature"
	KindExpired          Kind = "expired"
	KindMalformed        Kind = "malformed"
	// KindUnavailable means the keyring could not be used (closed).
	KindUnavailable Kind = "unavailable"
)

// VerificationError reports why a token was rejected. Error returns a
// stable, caller-facing message; the wrapped parser error is kept for logs.
type VerificationError struct {
	Kind Kind
	Err  error
}

func (e *VerificationError) Error() string {
	switch e.Kind {
	case KindInvalidSignature:
		return "Consent token signature is invalid"
	case KindExpired:
		return "Consent token has expired"
	case KindUnavailable:
		return "Consent token verification is unavailable"
	default:
		return "Consent token is malformed"
	}
}

func (e *VerificationError) Unwrap() error { return e.Err }
