package registry

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

const (
	AuthTypeSAS        = "sas"
	AuthTypeSelfSigned = "selfSigned"
)

// ErrNotFound is returned when the directory service has no record for an identity.
var ErrNotFound = errors.New("identity not found in directory service")

type SymmetricKey struct {
	PrimaryKey   string `json:"primaryKey,omitempty"`
	SecondaryKey string `json:"secondaryKey,omitempty"`
}

type X509Thumbprint struct {
	PrimaryThumbprint   string `json:"primaryThumbprint,omitempty"`
	SecondaryThumbprint string `json:"secondaryThumbprint,omitempty"`
}

type Authentication struct {
	Type           string          `json:"type"`
	SymmetricKey   *SymmetricKey   `json:"symmetricKey,omitempty"`
	X509Thumbprint *X509Thumbprint `json:"x509Thumbprint,omitempty"`
}

// Device is a device identity record.
type Device struct {
	DeviceID       string         `json:"deviceId"`
	ETag           string         `json:"etag,omitempty"`
	Status         string         `json:"status,omitempty"`
	Authentication Authentication `json:"authentication"`
}

// Module is a module identity record, nested under a device.
type Module struct {
	DeviceID       string         `json:"deviceId"`
	ModuleID       string         `json:"moduleId"`
	ETag           string         `json:"etag,omitempty"`
	Authentication Authentication `json:"authentication"`
}

// StatusError is an unexpected HTTP status from the directory service.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s returned HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports whether err is a transient failure: throttling, a server error or a
// network error.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsConflict reports whether err means the record being created already exists.
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict
}
