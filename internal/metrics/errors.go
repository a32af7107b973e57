package metrics

import (
	"errors"
	"net/http"
	"strings"

	"github.com/miekg/dns"
)

// Error type constants for metrics labels.
const (
	ErrorTypeAuth        = "auth"
	ErrorTypeRateLimit   = "rate_limit"
	ErrorTypeServerError = "server_error"
	ErrorTypeClientError = "client_error"
	ErrorTypeTimeout     = "timeout"
	ErrorTypeNetwork     = "network"
	ErrorTypeDNS         = "dns_refused"
	ErrorTypeUnknown     = "unknown"
)

// StatusCoder is implemented by errors carrying an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// Rcoder is implemented by errors carrying a DNS response code.
type Rcoder interface {
	Rcode() int
}

// ClassifyBackendError classifies an error from a BIND9 server for metrics labeling.
// Returns an empty string for nil errors.
func ClassifyBackendError(err error) string {
	if err == nil {
		return ""
	}

	var statusErr StatusCoder
	if errors.As(err, &statusErr) {
		return classifyByStatusCode(statusErr.StatusCode())
	}

	var rcodeErr Rcoder
	if errors.As(err, &rcodeErr) {
		return classifyByRcode(rcodeErr.Rcode())
	}

	if errors.Is(err, dns.ErrSig) || errors.Is(err, dns.ErrTime) ||
		errors.Is(err, dns.ErrSecret) || errors.Is(err, dns.ErrKeyAlg) {
		return ErrorTypeAuth
	}

	// Fallback for transport errors based on error message
	return classifyByErrorMessage(err.Error())
}

func classifyByStatusCode(statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorTypeAuth
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode >= http.StatusInternalServerError && statusCode < 600:
		return ErrorTypeServerError
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return ErrorTypeClientError
	default:
		return ErrorTypeUnknown
	}
}

func classifyByRcode(rcode int) string {
	switch rcode {
	case dns.RcodeNotAuth, dns.RcodeBadSig, dns.RcodeBadKey, dns.RcodeBadTime:
		return ErrorTypeAuth
	case dns.RcodeServerFailure:
		return ErrorTypeServerError
	case dns.RcodeRefused, dns.RcodeNotZone, dns.RcodeFormatError:
		return ErrorTypeDNS
	default:
		return ErrorTypeUnknown
	}
}

func classifyByErrorMessage(errStr string) string {
	errLower := strings.ToLower(errStr)

	switch {
	case strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline"):
		return ErrorTypeTimeout
	case strings.Contains(errLower, "connection refused") || strings.Contains(errLower, "no such host"):
		return ErrorTypeNetwork
	default:
		return ErrorTypeUnknown
	}
}
