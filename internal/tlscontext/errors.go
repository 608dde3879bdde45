package tlscontext

import "fmt"

// CertLoadError reports certificate material that could not be read or
// parsed. It is a construction-time error: the configuration version that
// referenced the file must not be activated.
type CertLoadError struct {
	Path  string
	Cause error
}

func (e *CertLoadError) Error() string {
	return fmt.Sprintf("failed to load certificate '%s': %v", e.Path, e.Cause)
}

func (e *CertLoadError) Unwrap() error {
	return e.Cause
}

// RejectReason identifies why a peer certificate was refused. Each reason
// maps to a dedicated observability counter.
type RejectReason string

const (
	ReasonChainInvalid RejectReason = "chain_invalid"
	ReasonSANMismatch  RejectReason = "san_mismatch"
	ReasonHashMismatch RejectReason = "cert_hash_mismatch"
)

// VerifyError is a connection-time rejection. It fails only the handshake
// that produced it, never the process.
type VerifyError struct {
	Reason RejectReason
	Cause  error
}

func (e *VerifyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("peer certificate rejected (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("peer certificate rejected (%s)", e.Reason)
}

func (e *VerifyError) Unwrap() error {
	return e.Cause
}
