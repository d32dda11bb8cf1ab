package failure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Kind is the retry category of an error.
type Kind uint8

const (
	// Unknown is an error type the classifier does not recognize.
	// Unknown errors are terminal.
	Unknown Kind = iota

	// Retryable errors are expected to clear up on their own.
	Retryable

	// RetryableWithBackoffReset is a graceful remote close of a healthy
	// connection: reconnect right away with a fresh retry budget.
	RetryableWithBackoffReset

	// TerminalAuth errors are credential rejections.
	TerminalAuth

	// TerminalConfig errors are configuration problems.
	TerminalConfig
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Retryable:
		return "RETRYABLE"
	case RetryableWithBackoffReset:
		return "RETRYABLE_WITH_BACKOFF_RESET"
	case TerminalAuth:
		return "TERMINAL_AUTH"
	case TerminalConfig:
		return "TERMINAL_CONFIG"
	default:
		return "UNKNOWN"
	}
}

// Classification is the result of Classify.
type Classification struct {
	Kind Kind

	// Throttled is set for rate-limit rejections (always Retryable).
	Throttled bool

	// RetryAfter is the hub's minimum wait hint for throttled errors.
	RetryAfter time.Duration

	// Expired is set for TerminalAuth when the credential had expired.
	Expired bool
}

// IsRetryable reports whether the error allows another attempt.
func (c Classification) IsRetryable() bool {
	return c.Kind == Retryable || c.Kind == RetryableWithBackoffReset
}

// IsTerminal reports whether retrying is pointless.
func (c Classification) IsTerminal() bool {
	return !c.IsRetryable()
}

// String returns a short description of the classification.
func (c Classification) String() string {
	if c.Throttled {
		return c.Kind.String() + "(throttled)"
	}
	if c.Expired {
		return c.Kind.String() + "(expired)"
	}
	return c.Kind.String()
}

// Classify maps an error to its retry category. It inspects the whole
// wrapped chain, so transports can add context freely. Authentication
// failures take precedence over any retryable symptom in the same chain.
// Classify(nil) reports Unknown.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Unknown}
	}

	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return Classification{Kind: TerminalAuth, Expired: authErr.Expired}
	}

	var svcErr *ServiceError
	hasStatus := errors.As(err, &svcErr)
	if hasStatus && (svcErr.StatusCode == http.StatusUnauthorized || svcErr.StatusCode == http.StatusForbidden) {
		return Classification{Kind: TerminalAuth}
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) || isCertificateError(err) || isUnknownHost(err) {
		return Classification{Kind: TerminalConfig}
	}

	// Cancellation is the caller's decision, never something to retry.
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClientClosed) {
		return Classification{Kind: Unknown}
	}

	var throttle *ThrottlingError
	if errors.As(err, &throttle) {
		return Classification{Kind: Retryable, Throttled: true, RetryAfter: throttle.RetryAfter}
	}
	if hasStatus && svcErr.StatusCode == http.StatusTooManyRequests {
		return Classification{Kind: Retryable, Throttled: true}
	}

	var closeErr *RemoteCloseError
	if errors.As(err, &closeErr) {
		return Classification{Kind: RetryableWithBackoffReset}
	}

	if hasStatus {
		if svcErr.StatusCode >= 500 {
			return Classification{Kind: Retryable}
		}
		if svcErr.StatusCode >= 400 {
			return Classification{Kind: TerminalConfig}
		}
	}

	if isNetworkError(err) {
		return Classification{Kind: Retryable}
	}

	return Classification{Kind: Unknown}
}

func isNetworkError(err error) bool {
	var transient *TransientNetworkError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isUnknownHost reports a host name that does not resolve, usually a typo
// in the connection string. Transports wrap dial errors as transient, so
// this must be checked before isNetworkError.
func isUnknownHost(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound && !dnsErr.IsTemporary
}

func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalid) ||
		errors.As(err, &hostname)
}
