package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
	netutils "k8s.io/utils/net"

	"github.com/tilt-dev/tcpping/pkg/probe/resolver"
)

type state int

const (
	stateInit state = iota
	stateConnecting
	stateConnected
	stateFailed
	stateClosing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateFailed:
		return "failed"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

type eventKind int

const (
	// eventLookup: resolution finished, with an address or an error.
	eventLookup eventKind = iota
	// eventConnect: the connection is established.
	eventConnect
	// eventData: the peer sent bytes.
	eventData
	// eventError: the transport failed.
	eventError
	// eventTimeout: the socket timeout elapsed.
	eventTimeout
	// eventClose: the connector is done. Always the last event.
	eventClose
)

type event struct {
	kind eventKind
	addr string
	conn net.Conn
	err  error
	// at is when the connector observed the event.
	at time.Time
}

// attempt is the state of a single probe. Only the goroutine running run
// reads or writes its fields after start; the connector goroutine and the
// timer communicate with it through events.
type attempt struct {
	host          string
	port          int
	socketTimeout time.Duration
	resolver      resolver.Resolver
	ownsResolver  bool
	dialer        Dialer
	clock         clockwork.Clock

	parent   context.Context
	start    time.Time
	state    state
	result   Result
	recorded bool
	closing  bool
	// resolved is set once the lookup event has been handled
	resolved bool
	conn     net.Conn
	timer    clockwork.Timer
	cancel   context.CancelFunc

	events chan event
	done   chan struct{}
}

func newAttempt(host string, port int, o options, r resolver.Resolver, owned bool) *attempt {
	return &attempt{
		host:          host,
		port:          port,
		socketTimeout: o.socketTimeout,
		resolver:      r,
		ownsResolver:  owned,
		dialer:        o.dialer,
		clock:         o.clock,
		state:         stateInit,
		result:        Result{Latency: NoLatency},
		cancel:        func() {},
		events:        make(chan event, 8),
		done:          make(chan struct{}),
	}
}

// run drives the attempt to completion and returns the final result.
func (a *attempt) run(ctx context.Context) Result {
	a.parent = ctx
	ctx, a.cancel = context.WithCancel(ctx)
	a.start = a.clock.Now()
	a.state = stateConnecting
	a.timer = a.clock.AfterFunc(a.socketTimeout, func() {
		a.emit(event{kind: eventTimeout})
	})

	go a.connect(ctx)

	for {
		if a.handle(<-a.events) {
			return a.result
		}
	}
}

// emit delivers ev to the loop, or drops it when the attempt has finished.
func (a *attempt) emit(ev event) {
	select {
	case a.events <- ev:
	case <-a.done:
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
	}
}

// connect resolves the host, dials it and waits for the connection to go
// away, reporting each step as an event. It always ends with eventClose.
func (a *attempt) connect(ctx context.Context) {
	defer a.emit(event{kind: eventClose})

	addr, err := a.lookup(ctx)
	a.emit(event{kind: eventLookup, addr: addr, err: err})
	if err != nil || addr == "" {
		return
	}

	conn, err := a.dialer.DialContext(ctx, "tcp4", net.JoinHostPort(addr, strconv.Itoa(a.port)))
	if err != nil {
		a.emit(event{kind: eventError, err: err})
		return
	}
	if conn == nil {
		return
	}
	at := a.clock.Now()
	if err := tune(conn); err != nil {
		klog.V(4).Infof("Could not tune TCP probe socket to %s: %v", conn.RemoteAddr(), err)
	}
	a.emit(event{kind: eventConnect, conn: conn, at: at})

	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			a.emit(event{kind: eventData})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				a.emit(event{kind: eventError, err: err})
			}
			return
		}
	}
}

// lookup resolves the host to an IPv4 address regardless of the family the
// resolver reports. It returns as soon as ctx is done, leaving a resolver
// that ignores ctx to finish on its own.
func (a *attempt) lookup(ctx context.Context) (string, error) {
	type answer struct {
		addr string
		err  error
	}
	answers := make(chan answer, 1)
	go func() {
		addr, _, err := a.resolver.Resolve(ctx, a.host, resolver.FamilyIPv4)
		answers <- answer{addr: addr, err: err}
	}()

	var addr string
	select {
	case ans := <-answers:
		if ans.err != nil {
			return "", ans.err
		}
		addr = ans.addr
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if addr == "" {
		return "", resolver.ErrNoAddress
	}
	if !netutils.IsIPv4String(addr) {
		return "", &net.AddrError{Err: "resolved address is not IPv4", Addr: addr}
	}
	return addr, nil
}

// handle applies ev to the attempt and reports whether the attempt is
// finished.
func (a *attempt) handle(ev event) bool {
	switch ev.kind {
	case eventLookup:
		a.resolved = true
		if a.closing {
			// teardown detached the lookup
			return false
		}
		if ev.addr != "" {
			a.result.IP = ev.addr
		}
		if ev.err != nil || ev.addr == "" {
			err := ev.err
			if err == nil {
				err = resolver.ErrNoAddress
			}
			if a.parent != nil && a.parent.Err() != nil {
				// the caller gave up; not the resolver's fault
				a.fail(networkError(err))
			} else {
				a.fail(resolverError(a.host, err))
			}
			a.shutdown()
		}

	case eventConnect:
		if a.closing {
			_ = ev.conn.Close()
			return false
		}
		a.conn = ev.conn
		if a.claim() {
			a.result.Online = true
			a.result.Latency = ev.at.Sub(a.start)
			a.state = stateConnected
			klog.V(4).Infof("TCP probe connected to %s:%d (%s) in %s", a.host, a.port, a.result.IP, a.result.Latency)
		}
		a.shutdown()

	case eventData:
		// the peer spoke first; stop writing and let the close run its course
		if a.conn != nil && !a.closing {
			if err := closeWrite(a.conn); err != nil {
				klog.V(4).Infof("TCP probe half-close to %s:%d: %v", a.host, a.port, err)
			}
		}

	case eventError:
		if a.closing {
			// consequence of our own teardown
			return false
		}
		a.fail(networkError(ev.err))
		a.shutdown()

	case eventTimeout:
		if a.closing {
			return false
		}
		a.fail(timeoutError(a.socketTimeout))
		a.shutdown()

	case eventClose:
		a.shutdown()
		a.state = stateClosed
		close(a.done)
		klog.V(4).Infof("TCP probe of %s:%d closed: online=%t err=%v", a.host, a.port, a.result.Online, a.result.Err)
		return true
	}
	return false
}

// claim reports whether no outcome has been recorded yet, and marks one as
// recorded.
func (a *attempt) claim() bool {
	if a.recorded {
		return false
	}
	a.recorded = true
	return true
}

func (a *attempt) fail(err *Error) {
	if !a.claim() {
		return
	}
	a.result.Err = err
	a.state = stateFailed
	klog.V(4).Infof("TCP probe of %s:%d failed: %v", a.host, a.port, err)
}

// shutdown releases every resource of the attempt. It is idempotent.
func (a *attempt) shutdown() {
	if a.closing {
		return
	}
	a.closing = true
	a.state = stateClosing

	a.cancel()
	// injected resolvers are only interrupted while this attempt's lookup
	// is pending
	if a.ownsResolver || !a.resolved {
		a.resolver.Cancel()
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.conn != nil {
		err := multierr.Combine(closeWrite(a.conn), a.conn.Close())
		if err != nil && !errors.Is(err, net.ErrClosed) {
			klog.V(4).Infof("TCP probe teardown for %s:%d: %v", a.host, a.port, err)
		}
	}
}

// tune disables Nagle batching and keep-alive probes on TCP connections.
func tune(conn net.Conn) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return multierr.Combine(tcp.SetNoDelay(true), tcp.SetKeepAlive(false))
}

func closeWrite(conn net.Conn) error {
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return nil
	}
	return cw.CloseWrite()
}
