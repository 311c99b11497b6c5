package resolver

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

const defaultDNSPort = "53"

// DNS resolves names by querying an explicit list of name servers over UDP.
// Servers are tried in order; the first server that answers decides the
// result.
type DNS struct {
	client   *dns.Client
	servers  []string
	timeout  time.Duration
	inflight inflight
}

var _ Resolver = &DNS{}

// NewDNS creates a DNS resolver for servers. A server without a port is
// queried on port 53.
func NewDNS(servers []string, timeout time.Duration) (*DNS, error) {
	if len(servers) == 0 {
		return nil, errors.New("dns resolver: no servers configured")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var errs error
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		addr, err := normalizeServer(s)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		normalized = append(normalized, addr)
	}
	if errs != nil {
		return nil, errors.Wrap(errs, "dns resolver")
	}

	return &DNS{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: normalized,
		timeout: timeout,
	}, nil
}

// Servers returns the normalized server addresses in query order.
func (r *DNS) Servers() []string {
	out := make([]string, len(r.servers))
	copy(out, r.servers)
	return out
}

// Resolve queries the configured servers for an address record of family.
func (r *DNS) Resolve(ctx context.Context, host string, family Family) (string, Family, error) {
	if addr, used, ok, err := literal(host, family); ok {
		return addr, used, err
	}

	qtype := dns.TypeA
	used := FamilyIPv4
	if family == FamilyIPv6 {
		qtype = dns.TypeAAAA
		used = FamilyIPv6
	}

	parent := ctx
	ctx, done := r.inflight.begin(ctx, r.timeout)
	defer done()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var errs error
	for _, server := range r.servers {
		if ctx.Err() != nil {
			break
		}
		in, err := r.exchange(ctx, msg, server)
		if err != nil {
			klog.V(4).Infof("DNS query for %s against %s failed: %v", host, server, err)
			errs = multierr.Append(errs, errors.Wrapf(err, "query %s", server))
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			// The name does not exist; other servers would say the same.
			return "", 0, errors.Wrapf(ErrNotFound, "lookup %s on %s", host, server)
		default:
			errs = multierr.Append(errs, errors.Errorf("query %s: %s", server, dns.RcodeToString[in.Rcode]))
			continue
		}
		if addr := firstAddress(in, qtype); addr != "" {
			return addr, used, nil
		}
		return "", 0, errors.Wrapf(ErrNoAddress, "lookup %s on %s", host, server)
	}

	if ctx.Err() != nil {
		return "", 0, canceled(parent, ctx, ctx.Err())
	}
	return "", 0, errors.Wrapf(errs, "lookup %s", host)
}

// exchange sends msg to server and waits for the reply or for ctx to end,
// whichever comes first.
func (r *DNS) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	type reply struct {
		in  *dns.Msg
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		in, _, err := r.client.ExchangeContext(ctx, msg.Copy(), server)
		ch <- reply{in: in, err: err}
	}()
	select {
	case rep := <-ch:
		return rep.in, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts every in-flight Resolve call.
func (r *DNS) Cancel() {
	r.inflight.cancelAll()
}

func firstAddress(in *dns.Msg, qtype uint16) string {
	for _, rr := range in.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				return rec.A.String()
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				return rec.AAAA.String()
			}
		}
	}
	return ""
}

func normalizeServer(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty server address")
	}
	if ip := net.ParseIP(s); ip != nil {
		return net.JoinHostPort(ip.String(), defaultDNSPort), nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return net.JoinHostPort(s, defaultDNSPort), nil
		}
		return "", errors.Wrapf(err, "invalid server address %q", s)
	}
	if host == "" || port == "" {
		return "", errors.Errorf("invalid server address %q", s)
	}
	return s, nil
}
