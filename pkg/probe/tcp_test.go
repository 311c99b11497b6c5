/*
Copyright 2015 The Kubernetes Authors.
Modified 2021 Windmill Engineering.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilt-dev/tcpping/pkg/probe/resolver"
)

func TestTCPSocket(t *testing.T) {
	// Setup a test server that responds to probing correctly
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	tHost, tPortStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	tPort, err := strconv.Atoi(tPortStr)
	require.NoError(t, err)

	tests := []struct {
		host string
		port int

		expectedStatus Status
		expectedKind   Kind
	}{
		// A connection is made and probing would succeed
		{tHost, tPort, Success, 0},
		// The port is invalid and no attempt is made
		{tHost, -1, Failure, KindValidation},
	}

	for i, tt := range tests {
		p := NewTCPSocket(tt.host, tt.port)
		assert.Equal(t, net.JoinHostPort(tt.host, strconv.Itoa(tt.port)), p.Address())

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		result, err := p.Probe(ctx)
		require.NoError(t, err)
		if result.Status() != tt.expectedStatus {
			t.Errorf("#%d: expected status=%v, get=%v", i, tt.expectedStatus, result.Status())
		}
		if tt.expectedKind != 0 {
			var perr *Error
			if assert.ErrorAs(t, result.Err, &perr) {
				assert.Equal(t, tt.expectedKind, perr.Kind)
			}
		} else {
			assert.NoError(t, result.Err)
		}
		cancel()
	}
}

func TestTCPSocketDefaultPort(t *testing.T) {
	p := NewTCPSocket("example.test", 0)
	assert.Equal(t, "example.test:80", p.Address())
}

// listen starts a loopback server running handle for every connection and
// returns its port.
func listen(t *testing.T, handle func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func drain(conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}

func TestTCPPingOnline(t *testing.T) {
	port := listen(t, drain)

	result, err := TCPPing(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	assert.True(t, result.Online)
	assert.NoError(t, result.Err)
	assert.Equal(t, "127.0.0.1", result.Host)
	assert.Equal(t, port, result.Port)
	assert.Equal(t, "127.0.0.1", result.IP)
	assert.GreaterOrEqual(t, result.Latency, time.Duration(0))
	assert.GreaterOrEqual(t, result.LatencyMs(), 0.0)
	assert.Equal(t, Success, result.Status())
	assert.Equal(t, "", result.Code())
}

func TestTCPPingPeerSendsData(t *testing.T) {
	port := listen(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("SSH-2.0-banner\r\n"))
		drain(conn)
	})

	result, err := TCPPing(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.True(t, result.Online)
	assert.NoError(t, result.Err)
}

func TestTCPPingRefused(t *testing.T) {
	port := closedPort(t)

	start := time.Now()
	result, err := TCPPing(context.Background(), "127.0.0.1", port, WithSocketTimeout(3*time.Second))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, result.Online)
	assert.Equal(t, NoLatency, result.Latency)
	assert.Equal(t, -1.0, result.LatencyMs())
	assert.Equal(t, "127.0.0.1", result.IP)
	assert.Equal(t, Failure, result.Status())
	assert.ErrorIs(t, result.Err, ErrNetwork)
	assert.ErrorIs(t, result.Err, syscall.ECONNREFUSED)
	assert.Equal(t, "ECONNREFUSED", result.Code())
	assert.NotErrorIs(t, result.Err, ErrTimeout)
}

type forbiddenDialer struct {
	t *testing.T
}

func (d forbiddenDialer) DialContext(_ context.Context, network, address string) (net.Conn, error) {
	d.t.Errorf("unexpected dial %s %s", network, address)
	return nil, errors.New("unexpected dial")
}

func TestTCPPingValidation(t *testing.T) {
	forbiddenResolver := resolver.Func(func(_ context.Context, host string, _ resolver.Family) (string, resolver.Family, error) {
		t.Errorf("unexpected lookup of %s", host)
		return "", 0, errors.New("unexpected lookup")
	})

	tests := []struct {
		name string
		host string
		port int
	}{
		{"EmptyHost", "", 80},
		{"BlankHost", "   ", 80},
		{"NegativePort", "example.test", -1},
		{"PortTooLarge", "example.test", 65536},
		{"PortWayTooLarge", "example.test", 88888},
		{"IPv6Literal", "::1", 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := TCPPing(context.Background(), tt.host, tt.port,
				WithResolver(forbiddenResolver),
				WithDialer(forbiddenDialer{t: t}))
			require.NoError(t, err)

			assert.False(t, result.Online)
			assert.Equal(t, tt.host, result.Host)
			assert.Equal(t, tt.port, result.Port)
			assert.Empty(t, result.IP)
			assert.Equal(t, NoLatency, result.Latency)
			assert.ErrorIs(t, result.Err, ErrValidation)
			assert.Equal(t, CodeValidation, result.Code())
		})
	}
}

func staticResolver(addr string, family resolver.Family, err error) resolver.Resolver {
	return resolver.Func(func(context.Context, string, resolver.Family) (string, resolver.Family, error) {
		return addr, family, err
	})
}

func TestTCPPingResolverFailure(t *testing.T) {
	tests := []struct {
		name    string
		r       resolver.Resolver
		wantErr error
	}{
		{"NotFound", staticResolver("", 0, resolver.ErrNotFound), resolver.ErrNotFound},
		{"EmptyAddress", staticResolver("", resolver.FamilyIPv4, nil), resolver.ErrNoAddress},
		{"IPv6Answer", staticResolver("2001:db8::1", resolver.FamilyIPv6, nil), nil},
		{"Garbage", staticResolver("not-an-ip", resolver.FamilyIPv4, nil), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := TCPPing(context.Background(), "www.example.test", 443,
				WithResolver(tt.r),
				WithDialer(forbiddenDialer{t: t}))
			require.NoError(t, err)

			assert.False(t, result.Online)
			assert.Empty(t, result.IP)
			assert.ErrorIs(t, result.Err, ErrResolver)
			assert.Equal(t, CodeResolveFail, result.Code())
			if tt.wantErr != nil {
				assert.ErrorIs(t, result.Err, tt.wantErr)
			}
		})
	}
}

func TestTCPPingHostNamesReachResolver(t *testing.T) {
	port := listen(t, drain)

	tests := []struct {
		host string
		want string
	}{
		{"my_host.internal", "my_host.internal"},
		{"_sip._tcp.example.test.", "_sip._tcp.example.test"},
		{"Bücher.example", "xn--bcher-kva.example"},
		{"bad host.example", "bad host.example"},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			var asked []string
			r := resolver.Func(func(_ context.Context, host string, _ resolver.Family) (string, resolver.Family, error) {
				asked = append(asked, host)
				return "127.0.0.1", resolver.FamilyIPv4, nil
			})

			result, err := TCPPing(context.Background(), tt.host, port, WithResolver(r))
			require.NoError(t, err)
			assert.NotErrorIs(t, result.Err, ErrValidation)
			assert.True(t, result.Online)
			assert.Equal(t, []string{tt.want}, asked)
			assert.Equal(t, tt.host, result.Host)
		})
	}
}

func TestTCPPingForcesIPv4(t *testing.T) {
	port := listen(t, drain)

	var asked resolver.Family
	r := resolver.Func(func(_ context.Context, _ string, family resolver.Family) (string, resolver.Family, error) {
		asked = family
		// a resolver reporting the wrong family is still used as IPv4
		return "127.0.0.1", resolver.FamilyIPv6, nil
	})

	result, err := TCPPing(context.Background(), "www.example.test", port, WithResolver(r))
	require.NoError(t, err)
	assert.Equal(t, resolver.FamilyIPv4, asked)
	assert.True(t, result.Online)
	assert.Equal(t, "127.0.0.1", result.IP)
	assert.Equal(t, "www.example.test", result.Host)
}

func TestTCPPingResolverServers(t *testing.T) {
	port := listen(t, drain)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			q := req.Question[0]
			if q.Name != "svc.example.test." {
				m.SetRcode(req, dns.RcodeNameError)
				_ = w.WriteMsg(m)
				return
			}
			m.SetReply(req)
			rr, _ := dns.NewRR(fmt.Sprintf("%s 60 IN A 127.0.0.1", q.Name))
			m.Answer = append(m.Answer, rr)
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	defer func() { _ = srv.Shutdown() }()

	result, err := TCPPing(context.Background(), "svc.example.test", port,
		WithResolverServers(pc.LocalAddr().String()),
		WithResolverTimeout(time.Second))
	require.NoError(t, err)
	assert.True(t, result.Online)
	assert.Equal(t, "127.0.0.1", result.IP)

	result, err = TCPPing(context.Background(), "missing.example.test", port,
		WithResolverServers(pc.LocalAddr().String()))
	require.NoError(t, err)
	assert.False(t, result.Online)
	assert.Equal(t, CodeResolveFail, result.Code())
	assert.ErrorIs(t, result.Err, resolver.ErrNotFound)
}

func TestTCPPingSetupFailure(t *testing.T) {
	_, err := TCPPing(context.Background(), "www.example.test", 80,
		WithResolverServers("a:b:c"),
		WithDialer(forbiddenDialer{t: t}))
	assert.Error(t, err)
}

// hangingDialer blocks until the dial context ends.
type hangingDialer struct {
	started chan struct{}
	dials   int32
}

func newHangingDialer() *hangingDialer {
	return &hangingDialer{started: make(chan struct{})}
}

func (d *hangingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	if atomic.AddInt32(&d.dials, 1) == 1 {
		close(d.started)
	}
	<-ctx.Done()
	return nil, &net.OpError{Op: "dial", Net: "tcp4", Err: ctx.Err()}
}

func TestTCPPingTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dialer := newHangingDialer()

	results := make(chan Result, 1)
	go func() {
		result, err := TCPPing(context.Background(), "127.0.0.1", 1111,
			WithClock(clock),
			WithDialer(dialer),
			WithSocketTimeout(3*time.Second))
		assert.NoError(t, err)
		results <- result
	}()

	<-dialer.started
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	select {
	case <-results:
		t.Fatal("probe finished before the socket timeout")
	default:
	}
	clock.Advance(1 * time.Second)

	select {
	case result := <-results:
		assert.False(t, result.Online)
		assert.Equal(t, "127.0.0.1", result.IP)
		assert.Equal(t, CodeTimeout, result.Code())
		assert.ErrorIs(t, result.Err, ErrTimeout)
		var perr *Error
		if assert.ErrorAs(t, result.Err, &perr) {
			assert.Equal(t, 3*time.Second, perr.Timeout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("probe did not time out")
	}
}

// cancelOnlyResolver ignores the lookup context and only returns once
// Cancel is called.
type cancelOnlyResolver struct {
	started  chan struct{}
	canceled chan struct{}
	once     sync.Once
	cancels  int32
}

func newCancelOnlyResolver() *cancelOnlyResolver {
	return &cancelOnlyResolver{
		started:  make(chan struct{}, 1),
		canceled: make(chan struct{}),
	}
}

func (r *cancelOnlyResolver) Resolve(context.Context, string, resolver.Family) (string, resolver.Family, error) {
	r.started <- struct{}{}
	<-r.canceled
	return "", 0, resolver.ErrCanceled
}

func (r *cancelOnlyResolver) Cancel() {
	atomic.AddInt32(&r.cancels, 1)
	r.once.Do(func() { close(r.canceled) })
}

func TestTCPPingTimeoutCancelsInjectedResolver(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newCancelOnlyResolver()

	results := make(chan Result, 1)
	go func() {
		result, err := TCPPing(context.Background(), "www.example.test", 443,
			WithClock(clock),
			WithResolver(r),
			WithDialer(forbiddenDialer{t: t}),
			WithSocketTimeout(200*time.Millisecond))
		assert.NoError(t, err)
		results <- result
	}()

	<-r.started
	clock.BlockUntil(1)
	clock.Advance(200 * time.Millisecond)

	select {
	case result := <-results:
		assert.False(t, result.Online)
		assert.Empty(t, result.IP)
		assert.ErrorIs(t, result.Err, ErrTimeout)
		assert.Equal(t, int32(1), atomic.LoadInt32(&r.cancels))
	case <-time.After(2 * time.Second):
		t.Fatal("attempt outlived its socket timeout")
	}
}

func TestTCPPingTimeoutDetachesStuckResolver(t *testing.T) {
	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	r := resolver.Func(func(context.Context, string, resolver.Family) (string, resolver.Family, error) {
		close(started)
		<-release
		return "127.0.0.1", resolver.FamilyIPv4, nil
	})

	results := make(chan Result, 1)
	go func() {
		result, err := TCPPing(context.Background(), "www.example.test", 443,
			WithClock(clock),
			WithResolver(r),
			WithDialer(forbiddenDialer{t: t}),
			WithSocketTimeout(time.Second))
		assert.NoError(t, err)
		results <- result
	}()

	<-started
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case result := <-results:
		assert.ErrorIs(t, result.Err, ErrTimeout)
		assert.Empty(t, result.IP)
	case <-time.After(2 * time.Second):
		t.Fatal("attempt waited on a resolver that ignores cancellation")
	}
}

func TestTCPPingParentCanceled(t *testing.T) {
	dialer := newHangingDialer()
	ctx, cancel := context.WithCancel(context.Background())

	results := make(chan Result, 1)
	go func() {
		result, err := TCPPing(ctx, "127.0.0.1", 1111, WithDialer(dialer), WithSocketTimeout(time.Minute))
		assert.NoError(t, err)
		results <- result
	}()

	<-dialer.started
	cancel()

	result := <-results
	assert.False(t, result.Online)
	assert.ErrorIs(t, result.Err, ErrNetwork)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Equal(t, "ECANCELED", result.Code())
}

type silentDialer struct{}

func (silentDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, nil
}

func TestTCPPingClosedWithoutOutcome(t *testing.T) {
	result, err := TCPPing(context.Background(), "127.0.0.1", 80, WithDialer(silentDialer{}))
	require.NoError(t, err)

	assert.False(t, result.Online)
	assert.NoError(t, result.Err)
	assert.Equal(t, "127.0.0.1", result.IP)
	assert.Equal(t, NoLatency, result.Latency)
	assert.Equal(t, Unknown, result.Status())
}

func TestTCPPingConcurrentAttempts(t *testing.T) {
	open := listen(t, drain)
	closed := closedPort(t)

	// a single injected resolver shared by every attempt
	r := staticResolver("127.0.0.1", resolver.FamilyIPv4, nil)

	const n = 20
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		port := open
		if i%2 == 1 {
			port = closed
		}
		go func(port int) {
			result, err := TCPPing(context.Background(), "www.example.test", port, WithResolver(r))
			assert.NoError(t, err)
			results <- result
		}(port)
	}

	for i := 0; i < n; i++ {
		result := <-results
		if result.Port == open {
			assert.True(t, result.Online)
			assert.NoError(t, result.Err)
		} else {
			assert.False(t, result.Online)
			assert.Equal(t, "ECONNREFUSED", result.Code())
		}
	}
}

func networkTests(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	if os.Getenv("TCPPING_NETWORK_TESTS") == "" {
		t.Skip("set TCPPING_NETWORK_TESTS=1 to run tests against public hosts")
	}
}

func TestTCPPingPublicHost(t *testing.T) {
	networkTests(t)

	result, err := TCPPing(context.Background(), "example.com", 80)
	require.NoError(t, err)
	assert.True(t, result.Online)
	assert.NotNil(t, net.ParseIP(result.IP).To4())
	assert.Greater(t, result.LatencyMs(), 0.0)
}

func TestTCPPingUnresolvableHost(t *testing.T) {
	networkTests(t)

	result, err := TCPPing(context.Background(), "test.example.invalid", 80)
	require.NoError(t, err)
	assert.False(t, result.Online)
	assert.Equal(t, CodeResolveFail, result.Code())
}

func TestTCPPingNonRoutable(t *testing.T) {
	networkTests(t)

	start := time.Now()
	result, err := TCPPing(context.Background(), "10.255.255.1", 1111, WithSocketTimeout(3*time.Second))
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.False(t, result.Online)
	assert.Equal(t, CodeTimeout, result.Code())
	assert.GreaterOrEqual(t, elapsed, 3*time.Second)
	assert.Less(t, elapsed, 3200*time.Millisecond)
}
