package probe

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

// Kind classifies why a probe did not come online.
type Kind int

const (
	// KindValidation means the request was rejected before any resource was
	// opened.
	KindValidation Kind = iota + 1
	// KindResolver means the host name could not be resolved to an IPv4
	// address.
	KindResolver
	// KindTimeout means the socket timeout elapsed before the connection
	// was established.
	KindTimeout
	// KindNetwork is a transport failure such as a refused or reset
	// connection.
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindResolver:
		return "ResolverError"
	case KindTimeout:
		return "TimeoutError"
	case KindNetwork:
		return "NetworkError"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Stable machine-readable error codes.
const (
	CodeValidation  = "TCPPINGVALIDATION"
	CodeResolveFail = "TCPPINGRESOLVEFAIL"
	CodeTimeout     = "TCPPINGTIMEOUT"
	// CodeNetwork is used for transport failures that carry no recognized
	// errno.
	CodeNetwork = "TCPPINGNETWORK"
)

// Sentinels matched by errors.Is against an *Error of the same Kind.
var (
	ErrValidation = errors.New("invalid probe request")
	ErrResolver   = errors.New("resolve failed")
	ErrTimeout    = errors.New("probe timed out")
	ErrNetwork    = errors.New("network error")
)

// Error is the failure cause recorded in a Result.
type Error struct {
	Kind Kind
	Code string
	// Timeout is the configured socket timeout for KindTimeout errors.
	Timeout time.Duration
	// Err is the underlying cause, if any. For KindNetwork it is the error
	// reported by the transport.
	Err error

	msg string
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindNetwork && e.Err != nil:
		return e.Err.Error()
	case e.msg != "" && e.Err != nil:
		return e.msg + ": " + e.Err.Error()
	case e.msg != "":
		return e.msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindResolver:
		return ErrResolver
	case KindTimeout:
		return ErrTimeout
	case KindNetwork:
		return ErrNetwork
	}
	return nil
}

func validationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, msg: fmt.Sprintf(format, args...)}
}

func resolverError(host string, err error) *Error {
	return &Error{Kind: KindResolver, Code: CodeResolveFail, Err: err, msg: fmt.Sprintf("resolve %s", host)}
}

func timeoutError(d time.Duration) *Error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, Timeout: d, msg: fmt.Sprintf("no connection within %s", d)}
}

func networkError(err error) *Error {
	return &Error{Kind: KindNetwork, Code: errnoCode(err), Err: err}
}

var errnoCodes = map[syscall.Errno]string{
	syscall.ECONNREFUSED:  "ECONNREFUSED",
	syscall.ECONNRESET:    "ECONNRESET",
	syscall.ECONNABORTED:  "ECONNABORTED",
	syscall.EHOSTUNREACH:  "EHOSTUNREACH",
	syscall.ENETUNREACH:   "ENETUNREACH",
	syscall.ENETDOWN:      "ENETDOWN",
	syscall.ETIMEDOUT:     "ETIMEDOUT",
	syscall.EPIPE:         "EPIPE",
	syscall.EADDRNOTAVAIL: "EADDRNOTAVAIL",
}

// errnoCode names the transport failure behind err.
func errnoCode(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if code, ok := errnoCodes[errno]; ok {
			return code
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "ECANCELED"
	case errors.Is(err, context.DeadlineExceeded):
		return "ETIMEDOUT"
	}
	return CodeNetwork
}
