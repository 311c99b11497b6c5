package probe

import (
	"context"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tilt-dev/tcpping/pkg/probe/resolver"
)

const (
	// DefaultPort is probed when the port is left at zero.
	DefaultPort = 80

	// DefaultSocketTimeout bounds a whole attempt when no socket timeout is
	// configured.
	DefaultSocketTimeout = 3 * time.Second
)

var realClock = clockwork.NewRealClock()

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Dialer = &net.Dialer{}

func defaultDialer() Dialer {
	// negative KeepAlive disables keep-alive probes on the socket
	return &net.Dialer{KeepAlive: -1}
}

type options struct {
	socketTimeout   time.Duration
	resolverTimeout time.Duration
	resolverServers []string
	resolver        resolver.Resolver
	dialer          Dialer
	clock           clockwork.Clock
}

func newOptions(opts []Option) options {
	o := options{
		socketTimeout: DefaultSocketTimeout,
		dialer:        defaultDialer(),
		clock:         realClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.socketTimeout <= 0 {
		o.socketTimeout = DefaultSocketTimeout
	}
	return o
}

// Option configures a probe attempt.
type Option func(o *options)

// WithSocketTimeout bounds the total duration of an attempt.
func WithSocketTimeout(d time.Duration) Option {
	return func(o *options) {
		o.socketTimeout = d
	}
}

// WithResolverTimeout bounds the resolution phase of the default resolver.
//
// It has no effect when a resolver is supplied with WithResolver.
func WithResolverTimeout(d time.Duration) Option {
	return func(o *options) {
		o.resolverTimeout = d
	}
}

// WithResolverServers sets the name servers queried by the default
// resolver, in order.
//
// It has no effect when a resolver is supplied with WithResolver.
func WithResolverServers(servers ...string) Option {
	return func(o *options) {
		o.resolverServers = append([]string(nil), servers...)
	}
}

// WithResolver sets the resolver used to look up the host.
//
// The resolver is not owned by the attempt. Teardown calls r.Cancel only
// when the attempt's own lookup is still pending, and the attempt never
// waits for a Resolve call that ignores its context.
func WithResolver(r resolver.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithDialer sets the dialer used to open the connection.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithClock sets the clock used for the timeout and latency measurement.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}
