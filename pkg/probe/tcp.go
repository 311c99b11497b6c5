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
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
	"k8s.io/klog/v2"
	netutils "k8s.io/utils/net"

	"github.com/tilt-dev/tcpping/pkg/probe/resolver"
)

// NewTCPSocket creates a TCP socket probe.
func NewTCPSocket(host string, port int, opts ...Option) TCPSocket {
	return TCPSocket{
		host: host,
		port: port,
		opts: opts,
	}
}

type TCPSocket struct {
	host string
	port int
	opts []Option
}

var _ Prober = TCPSocket{}

// Address returns the network address being TCP probed.
func (t TCPSocket) Address() string {
	port := t.port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.host, strconv.Itoa(port))
}

// Probe checks that a TCP connection to the address can be opened.
func (t TCPSocket) Probe(ctx context.Context) (Result, error) {
	return TCPPing(ctx, t.host, t.port, t.opts...)
}

// TCPPing makes one attempt to open a TCP connection to host:port over IPv4
// and closes it as soon as it is established.
//
// A port of zero means DefaultPort. Every failure observed once the attempt
// has started, including invalid input, is reported in Result.Err and the
// returned error is nil. A non-nil error means the attempt could not be set
// up at all (for example an unusable resolver server list).
func TCPPing(ctx context.Context, host string, port int, opts ...Option) (Result, error) {
	if port == 0 {
		port = DefaultPort
	}
	result := Result{
		Host:    host,
		Port:    port,
		Latency: NoLatency,
	}

	target, verr := validate(host, port)
	if verr != nil {
		result.Err = verr
		return result, nil
	}

	o := newOptions(opts)
	r, owned := o.resolver, false
	if r == nil {
		var err error
		r, err = resolver.New(resolver.Config{
			Timeout: o.resolverTimeout,
			Servers: o.resolverServers,
		})
		if err != nil {
			klog.Warningf("TCP probe of %s could not be set up: %v", net.JoinHostPort(host, strconv.Itoa(port)), err)
			return Result{}, fmt.Errorf("tcp probe setup: %w", err)
		}
		owned = true
	}

	a := newAttempt(target, port, o, r, owned)
	a.result = result
	return a.run(ctx), nil
}

// validate checks host and port and returns the host in the form handed to
// the resolver.
func validate(host string, port int) (string, *Error) {
	h := strings.TrimSpace(host)
	if h == "" {
		return "", validationError("host must not be empty")
	}
	if port < 1 || port > 65535 {
		return "", validationError("port %d out of range 1-65535", port)
	}
	if ip := net.ParseIP(h); ip != nil {
		if !netutils.IsIPv4(ip) {
			return "", validationError("%s is not an IPv4 address", h)
		}
		return ip.To4().String(), nil
	}
	h = strings.TrimSuffix(h, ".")
	name, err := hostProfile.ToASCII(h)
	if err != nil {
		// the resolver has the final say on names IDNA cannot convert
		klog.V(4).Infof("TCP probe host %q is not IDNA: %v", h, err)
		return h, nil
	}
	return name, nil
}

// hostProfile maps names like idna.Lookup but allows what resolvers accept
// outside STD3, such as underscores.
var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.StrictDomainName(false),
)
