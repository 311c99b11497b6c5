package resolver

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// LookupIPer is the subset of *net.Resolver used by System.
type LookupIPer interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

var _ LookupIPer = &net.Resolver{}

// System resolves names through the operating system resolver
// configuration (hosts file, resolv.conf).
type System struct {
	resolver LookupIPer
	timeout  time.Duration
	inflight inflight
}

var _ Resolver = &System{}

// NewSystem creates a resolver backed by net.DefaultResolver.
func NewSystem(timeout time.Duration) *System {
	return NewSystemWith(net.DefaultResolver, timeout)
}

// NewSystemWith creates a resolver backed by r.
func NewSystemWith(r LookupIPer, timeout time.Duration) *System {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &System{resolver: r, timeout: timeout}
}

// Resolve looks up host and returns its first address of family.
func (s *System) Resolve(ctx context.Context, host string, family Family) (string, Family, error) {
	if addr, used, ok, err := literal(host, family); ok {
		return addr, used, err
	}

	network, used := "ip4", FamilyIPv4
	if family == FamilyIPv6 {
		network, used = "ip6", FamilyIPv6
	}

	parent := ctx
	ctx, done := s.inflight.begin(ctx, s.timeout)
	defer done()

	ips, err := s.resolver.LookupIP(ctx, network, host)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, canceled(parent, ctx, err)
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", 0, errors.Wrapf(ErrNotFound, "lookup %s", host)
		}
		return "", 0, errors.Wrapf(err, "lookup %s", host)
	}
	if len(ips) == 0 {
		return "", 0, errors.Wrapf(ErrNoAddress, "lookup %s", host)
	}
	return ips[0].String(), used, nil
}

// Cancel aborts every in-flight Resolve call.
func (s *System) Cancel() {
	s.inflight.cancelAll()
}
