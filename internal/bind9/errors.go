package bind9

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/miekg/dns"

	"github.com/lexfrei/bind9-fleet-operator/internal/status"
)

// Class is the retry class of a backend error.
type Class int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient Class = iota

	// ClassConfiguration errors need a spec change.
	ClassConfiguration

	// ClassAuthentication errors need a credential change.
	ClassAuthentication
)

func (c Class) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassAuthentication:
		return "authentication"
	default:
		return "transient"
	}
}

// Sentinels used as error marks.
var (
	ErrTransient      = errors.New("transient backend error")
	ErrConfiguration  = errors.New("backend rejected configuration")
	ErrAuthentication = errors.New("backend rejected credentials")
	ErrZoneTransfer   = errors.New("zone transfer failed")
	ErrZoneNotFound   = errors.New("zone not found on server")
)

// StatusError is a non-success response from the sidecar API.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// StatusCode returns the HTTP status code.
func (e *StatusError) StatusCode() int { return e.Code }

// RcodeError is a DNS response with a non-success rcode.
type RcodeError struct {
	Op   string
	Zone string
	Code int
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("%s %s: server returned %s", e.Op, e.Zone, dns.RcodeToString[e.Code])
}

// Rcode returns the DNS response code.
func (e *RcodeError) Rcode() int { return e.Code }

// Classify returns the retry class of err.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrZoneNotFound):
		// The zone reconciler recreates it.
		return ClassTransient
	case errors.Is(err, ErrAuthentication):
		return ClassAuthentication
	case errors.Is(err, ErrConfiguration):
		return ClassConfiguration
	case errors.Is(err, ErrTransient):
		return ClassTransient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Code)
	}

	var rcodeErr *RcodeError
	if errors.As(err, &rcodeErr) {
		return classifyRcode(rcodeErr.Code)
	}

	if errors.Is(err, dns.ErrSig) || errors.Is(err, dns.ErrTime) ||
		errors.Is(err, dns.ErrSecret) || errors.Is(err, dns.ErrKeyAlg) {
		return ClassAuthentication
	}

	return ClassTransient
}

// IsTransient reports whether retrying err with backoff may succeed.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// mark attaches the class sentinel so that Classify survives wrapping by
// libraries that do not preserve the concrete type.
func mark(err error) error {
	if err == nil {
		return nil
	}

	switch Classify(err) {
	case ClassAuthentication:
		return errors.Mark(err, ErrAuthentication)
	case ClassConfiguration:
		return errors.Mark(err, ErrConfiguration)
	default:
		return errors.Mark(err, ErrTransient)
	}
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuthentication
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return ClassConfiguration
	default:
		return ClassTransient
	}
}

func classifyRcode(code int) Class {
	switch code {
	case dns.RcodeNotAuth, dns.RcodeBadSig, dns.RcodeBadKey, dns.RcodeBadTime:
		return ClassAuthentication
	case dns.RcodeFormatError, dns.RcodeNotZone, dns.RcodeRefused:
		return ClassConfiguration
	default:
		return ClassTransient
	}
}

// isRetryable reports whether a sidecar call should be retried in place.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// Reason maps an adapter error to a condition reason.
func Reason(err error) string {
	if err == nil {
		return status.ReasonReady
	}

	if errors.Is(err, ErrZoneNotFound) {
		return status.ReasonZoneNotFound
	}

	if errors.Is(err, ErrZoneTransfer) {
		if Classify(err) == ClassAuthentication {
			return status.ReasonRNDCAuthenticationFailed
		}

		return status.ReasonZoneTransferFailed
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch classifyStatus(statusErr.Code) {
		case ClassAuthentication:
			return status.ReasonBindcarAuthFailed
		case ClassConfiguration:
			return status.ReasonBindcarBadRequest
		default:
			return status.ReasonBindcarInternalError
		}
	}

	switch Classify(err) {
	case ClassAuthentication:
		return status.ReasonRNDCAuthenticationFailed
	case ClassConfiguration:
		return status.ReasonConfigurationInvalid
	default:
		return status.ReasonBindcarUnreachable
	}
}
