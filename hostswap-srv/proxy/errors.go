package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// newCodedError creates an Error using the registered description of code.
func newCodedError(code string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: GetErrorDescription(code),
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeConfigInvalid        = "E1001"
	ErrCodeListenerCreateFailed = "E1002"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeUpstreamUnreachable = "E2001"
	ErrCodeUpstreamTimeout     = "E2002"
	ErrCodeStreamFault         = "E2003"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeMalformedRequest       = "E4001"
	ErrCodeHTTPHijackFailed       = "E4002"
	ErrCodeHTTPHijackNotSupported = "E4003"

	// Proxy Chain Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed    = "E6001"
	ErrCodeSOCKS5ConnectFailed   = "E6002"
	ErrCodeHTTPProxyDialFailed   = "E6003"
	ErrCodeCONNECTRequestFailed  = "E6004"
	ErrCodeCONNECTResponseFailed = "E6005"
	ErrCodeProxyDenied           = "E6006"

	// Internal Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeConfigInvalid:        "Invalid proxy configuration",
	ErrCodeListenerCreateFailed: "Failed to create network listener",

	ErrCodeUpstreamUnreachable: "Upstream server is unreachable",
	ErrCodeUpstreamTimeout:     "Upstream did not respond in time",
	ErrCodeStreamFault:         "Stream terminated unexpectedly",

	ErrCodeMalformedRequest:       "Malformed request",
	ErrCodeHTTPHijackFailed:       "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackNotSupported: "HTTP connection hijacking not supported",

	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial HTTP proxy server",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeProxyDenied:           "Proxy request denied",

	ErrCodeInternalError: "Internal proxy error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode returns the code of the first *Error in err's chain, or fallback.
func ErrorCode(err error, fallback string) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return fallback
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	code := ErrorCode(err, "")
	return code >= "E2000" && code < "E3000"
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	code := ErrorCode(err, "")
	return code >= "E6000" && code < "E7000"
}

// IsTimeout reports whether err is a deadline or timeout error.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ClassifyDialError maps a failed upstream dial to UpstreamTimeout or
// UpstreamUnreachable. Proxy chain errors keep their code unless they timed out.
func ClassifyDialError(err error) *Error {
	if err == nil {
		return nil
	}
	if IsTimeout(err) {
		return newCodedError(ErrCodeUpstreamTimeout, err)
	}
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr
	}
	return newCodedError(ErrCodeUpstreamUnreachable, err)
}

// isClosedConnError reports errors caused by our own teardown of a socket.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// writeProxyErrorResponse writes a plain-text error response tagged with the error code.
func writeProxyErrorResponse(w http.ResponseWriter, status int, code, body string) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Proxy-Error", code)
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}

// Raw status lines written on hijacked CONNECT sockets.
const (
	tunnelEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	tunnelBadRequest  = "HTTP/1.1 400 Bad Request\r\n\r\n"
	tunnelFailed      = "HTTP/1.1 500 Connection Error\r\n\r\n"
)
