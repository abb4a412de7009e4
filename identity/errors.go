package identity

import (
	"errors"
	"fmt"
)

// ErrECCRequiresSelfSigned is returned when a certificate algorithm is requested for an identity
// that authenticates with a shared access key. It is detected before any directory-service call.
var ErrECCRequiresSelfSigned = errors.New("a certificate algorithm can only be requested for self-signed identities")

// ErrAuthMismatch is returned when a module is requested with a different authentication type
// than the device it belongs to.
var ErrAuthMismatch = errors.New("module authentication type must match its device")

// ErrAlgorithmMismatch is returned when a self-signed module requests a certificate algorithm
// other than the one its device's certificate uses.
var ErrAlgorithmMismatch = errors.New("module certificate algorithm must match its device")

// ProvisioningError means the directory service was unreachable or rejected a request, after
// any retries allowed by the retry policy.
type ProvisioningError struct {
	Op       string
	ID       string
	Attempts int
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s %q failed after %d attempt(s): %s", e.Op, e.ID, e.Attempts, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
