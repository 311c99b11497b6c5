// Package resolver provides the name resolution strategies used by the TCP
// probe.
//
// Every strategy implements Resolver: Resolve blocks until it produces an
// address, fails, exceeds its timeout or has its context canceled, and Cancel
// aborts whatever resolutions are in flight at the time of the call.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout bounds a single Resolve call when no timeout is configured.
const DefaultTimeout = 2 * time.Second

// Family is an IP address family.
type Family int

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return "unknown"
}

var (
	// ErrNotFound means the name does not exist (NXDOMAIN or equivalent).
	ErrNotFound = errors.New("no such host")
	// ErrNoAddress means the name exists but has no address of the
	// requested family.
	ErrNoAddress = errors.New("no address found")
	// ErrCanceled is returned by Resolve when Cancel aborted it.
	ErrCanceled = errors.New("resolution canceled")
)

// Resolver resolves host names to a single address.
type Resolver interface {
	// Resolve looks up host and returns one address of the requested family
	// together with the family it actually belongs to.
	Resolve(ctx context.Context, host string, family Family) (addr string, used Family, err error)

	// Cancel aborts all resolutions currently in flight. It is safe to call
	// at any time, including when nothing is in flight.
	Cancel()
}

// Func is a functional version of Resolver. Its Cancel is a no-op; callers
// abort it through the context passed to Resolve.
type Func func(ctx context.Context, host string, family Family) (string, Family, error)

var _ Resolver = Func(nil)

// Resolve calls f(ctx, host, family).
func (f Func) Resolve(ctx context.Context, host string, family Family) (string, Family, error) {
	return f(ctx, host, family)
}

// Cancel does nothing.
func (f Func) Cancel() {}

// Config controls the default resolver built by New.
type Config struct {
	// Timeout bounds each Resolve call. DefaultTimeout is used when zero.
	Timeout time.Duration

	// Servers is the ordered list of name servers to query. When empty the
	// system resolver is used.
	Servers []string
}

// New builds the default resolver for cfg: a DNS client bound to
// cfg.Servers, or the system resolver when no servers are configured.
func New(cfg Config) (Resolver, error) {
	if len(cfg.Servers) == 0 {
		return NewSystem(cfg.Timeout), nil
	}
	r, err := NewDNS(cfg.Servers, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// literal answers host directly when it is an IP literal.
func literal(host string, family Family) (string, Family, bool, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return "", 0, false, nil
	}
	if ip4 := ip.To4(); ip4 != nil {
		if family == FamilyIPv6 {
			return "", 0, true, errors.Wrapf(ErrNoAddress, "%s is not an IPv6 address", host)
		}
		return ip4.String(), FamilyIPv4, true, nil
	}
	if family == FamilyIPv4 {
		return "", 0, true, errors.Wrapf(ErrNoAddress, "%s is not an IPv4 address", host)
	}
	return ip.String(), FamilyIPv6, true, nil
}

// inflight tracks the cancel funcs of running resolutions so that Cancel can
// abort them.
type inflight struct {
	mu      sync.Mutex
	next    uint64
	cancels map[uint64]context.CancelFunc
}

// begin derives a context bounded by timeout that is also canceled by
// cancelAll. The returned func must be called when the resolution ends.
func (f *inflight) begin(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	f.mu.Lock()
	if f.cancels == nil {
		f.cancels = make(map[uint64]context.CancelFunc)
	}
	id := f.next
	f.next++
	f.cancels[id] = cancel
	f.mu.Unlock()

	return ctx, func() {
		f.mu.Lock()
		delete(f.cancels, id)
		f.mu.Unlock()
		cancel()
	}
}

func (f *inflight) cancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, cancel := range f.cancels {
		cancel()
		delete(f.cancels, id)
	}
}

// len reports the number of resolutions in flight.
func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

// canceled converts a context error into ErrCanceled when the resolution was
// aborted by Cancel rather than by its own deadline or the caller's context.
func canceled(parent, ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if parent.Err() != nil {
		return errors.Wrap(parent.Err(), "resolve")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(ctx.Err(), "resolve timed out")
	}
	return ErrCanceled
}
