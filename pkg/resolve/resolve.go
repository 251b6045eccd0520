// Package resolve tells which hostnames fail DNS resolution.
//
// fping prints nothing on stdout for a name it cannot resolve, so such
// hosts end up with an unknown state. The Resolver queries a DNS server
// directly for those names so a run can say why they are unknown.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the per-query timeout.
	DefaultTimeout = 2 * time.Second

	// DefaultRate is the default number of queries per second.
	DefaultRate = 20

	// DefaultResolvConf is the system resolver configuration.
	DefaultResolvConf = "/etc/resolv.conf"
)

// Resolver checks names against one DNS server.
type Resolver struct {
	server  string // host:port
	timeout time.Duration
	ipv6    bool
	client  *dns.Client
	limiter *rate.Limiter
	conf    *dns.ClientConfig // search list and ndots, may be nil
	logger  *logrus.Logger
}

// Option is a functional option for configuring a Resolver.
type Option func(*Resolver) error

// WithTimeout sets the per-query timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		r.timeout = d
		return nil
	}
}

// WithRate limits queries to qps per second with the given burst.
func WithRate(qps float64, burst int) Option {
	return func(r *Resolver) error {
		if qps <= 0 || burst < 1 {
			return fmt.Errorf("rate must be positive with burst >= 1, got %v/%d", qps, burst)
		}
		r.limiter = rate.NewLimiter(rate.Limit(qps), burst)
		return nil
	}
}

// WithIPv6 also accepts AAAA answers as proof a name resolves.
func WithIPv6(v bool) Option {
	return func(r *Resolver) error {
		r.ipv6 = v
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(r *Resolver) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		r.logger = l
		return nil
	}
}

// New creates a Resolver querying server (host:port).
func New(server string, opts ...Option) (*Resolver, error) {
	if server == "" {
		return nil, fmt.Errorf("resolve: server must not be empty")
	}

	r := &Resolver{
		server:  server,
		timeout: DefaultTimeout,
		limiter: rate.NewLimiter(rate.Limit(DefaultRate), DefaultRate),
		logger:  logrus.StandardLogger(),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
	}

	r.client = &dns.Client{
		Timeout: r.timeout,
	}

	return r, nil
}

// FromResolvConf creates a Resolver for the first nameserver in a
// resolv.conf file, honouring its search list.
func FromResolvConf(path string, opts ...Option) (*Resolver, error) {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolve: read %s: %w", path, err)
	}
	if len(conf.Servers) == 0 {
		return nil, fmt.Errorf("resolve: no nameserver in %s", path)
	}
	r, err := New(net.JoinHostPort(conf.Servers[0], conf.Port), opts...)
	if err != nil {
		return nil, err
	}
	r.conf = conf
	return r, nil
}

// Server returns the host:port being queried.
func (r *Resolver) Server() string {
	return r.server
}

// Unresolvable returns the names, in input order, that do not resolve to
// an address. IP literals are never reported. Names whose queries failed
// at the transport level are left out and their errors returned joined.
func (r *Resolver) Unresolvable(ctx context.Context, names []string) ([]string, error) {
	var (
		failed []string
		errs   []error
	)
	for _, name := range names {
		if net.ParseIP(name) != nil {
			continue
		}
		ok, err := r.resolves(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		if !ok {
			failed = append(failed, name)
		}
	}
	return failed, errors.Join(errs...)
}

// resolves reports whether any candidate form of name has an address.
func (r *Resolver) resolves(ctx context.Context, name string) (bool, error) {
	qtypes := []uint16{dns.TypeA}
	if r.ipv6 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}

	for _, candidate := range r.candidates(name) {
		for _, qtype := range qtypes {
			found, err := r.query(ctx, candidate, qtype)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
	}
	return false, nil
}

// candidates expands name with the resolv.conf search list when known.
func (r *Resolver) candidates(name string) []string {
	if r.conf == nil {
		return []string{dns.Fqdn(name)}
	}
	return r.conf.NameList(name)
}

// query asks for one record type and reports whether an address came back.
// NXDOMAIN, SERVFAIL and empty answers all count as not found.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return false, fmt.Errorf("resolve %s %s: %w", qtypeName(qtype), name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		r.logger.Debugf("DNS %s %s: rcode %s", qtypeName(qtype), name, dns.RcodeToString[resp.Rcode])
		return false, nil
	}

	for _, rr := range resp.Answer {
		switch rr.(type) {
		case *dns.A, *dns.AAAA:
			return true, nil
		}
	}
	return false, nil
}

// qtypeName returns a human-readable record type name for messages.
func qtypeName(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", qtype)
}
