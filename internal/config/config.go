// Package config loads the tcpping configuration file.
package config

import (
	"bytes"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/tilt-dev/tcpping/pkg/probe"
	"github.com/tilt-dev/tcpping/pkg/prober"
)

// DefaultConcurrency is the number of targets probed at once.
const DefaultConcurrency = 8

type Config struct {
	Probe   ProbeConfig `yaml:"probe"`
	Watch   WatchConfig `yaml:"watch"`
	Targets []Target    `yaml:"targets"`
}

type ProbeConfig struct {
	Port            int           `yaml:"port"`
	Timeout         time.Duration `yaml:"timeout"`
	ResolverTimeout time.Duration `yaml:"resolver_timeout"`
	Resolvers       []string      `yaml:"resolvers"`
	Concurrency     int           `yaml:"concurrency"`
}

type WatchConfig struct {
	Period           time.Duration `yaml:"period"`
	Timeout          time.Duration `yaml:"timeout"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	SuccessThreshold int           `yaml:"success_threshold"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// Target is a host and port to probe. A zero Port means the probe default.
type Target struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// String returns host:port, or the name when one was given.
func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	port := t.Port
	if port == 0 {
		port = probe.DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// UnmarshalYAML accepts either a "host[:port]" scalar or a mapping.
func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseTarget(value.Value, 0)
		if err != nil {
			return errors.Wrapf(err, "line %d", value.Line)
		}
		*t = parsed
		return nil
	}

	type plain Target
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = Target(p)
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Probe: ProbeConfig{
			Port:        probe.DefaultPort,
			Timeout:     probe.DefaultSocketTimeout,
			Concurrency: DefaultConcurrency,
		},
		Watch: WatchConfig{
			Period:           prober.DefaultProbePeriod,
			Timeout:          prober.DefaultProbeTimeout,
			InitialDelay:     prober.DefaultInitialDelay,
			SuccessThreshold: prober.DefaultProbeSuccessThreshold,
			FailureThreshold: prober.DefaultProbeFailureThreshold,
		},
	}
}

// Load reads and validates the file at path. Fields absent from the file
// keep their Default value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, errors.Wrapf(err, "decode config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs error

	if c.Probe.Port < 0 || c.Probe.Port > 65535 {
		errs = multierr.Append(errs, errors.Errorf("probe.port %d out of range 0-65535", c.Probe.Port))
	}
	if c.Probe.Timeout <= 0 {
		errs = multierr.Append(errs, errors.New("probe.timeout must be > 0"))
	}
	if c.Probe.ResolverTimeout < 0 {
		errs = multierr.Append(errs, errors.New("probe.resolver_timeout must not be negative"))
	}
	if c.Probe.Concurrency <= 0 {
		errs = multierr.Append(errs, errors.New("probe.concurrency must be > 0"))
	}
	for i, r := range c.Probe.Resolvers {
		if strings.TrimSpace(r) == "" {
			errs = multierr.Append(errs, errors.Errorf("probe.resolvers[%d] is empty", i))
		}
	}
	if c.Watch.Period <= 0 {
		errs = multierr.Append(errs, errors.New("watch.period must be > 0"))
	}
	if c.Watch.Timeout <= 0 {
		errs = multierr.Append(errs, errors.New("watch.timeout must be > 0"))
	}
	if c.Watch.InitialDelay < 0 {
		errs = multierr.Append(errs, errors.New("watch.initial_delay must not be negative"))
	}
	if c.Watch.SuccessThreshold <= 0 {
		errs = multierr.Append(errs, errors.New("watch.success_threshold must be > 0"))
	}
	if c.Watch.FailureThreshold <= 0 {
		errs = multierr.Append(errs, errors.New("watch.failure_threshold must be > 0"))
	}
	for i, t := range c.Targets {
		if strings.TrimSpace(t.Host) == "" {
			errs = multierr.Append(errs, errors.Errorf("targets[%d].host is required", i))
		}
	}

	return errs
}

// ProbeOptions converts the probe section into options for probe.TCPPing.
func (c *Config) ProbeOptions() []probe.Option {
	opts := []probe.Option{probe.WithSocketTimeout(c.Probe.Timeout)}
	if c.Probe.ResolverTimeout > 0 {
		opts = append(opts, probe.WithResolverTimeout(c.Probe.ResolverTimeout))
	}
	if len(c.Probe.Resolvers) > 0 {
		opts = append(opts, probe.WithResolverServers(c.Probe.Resolvers...))
	}
	return opts
}

// ProberOptions converts the watch section into options for prober.NewProber.
func (c *Config) ProberOptions() []prober.Option {
	return []prober.Option{
		prober.WithPeriod(c.Watch.Period),
		prober.WithTimeout(c.Watch.Timeout),
		prober.WithInitialDelay(c.Watch.InitialDelay),
		prober.WithSuccessThreshold(c.Watch.SuccessThreshold),
		prober.WithFailureThreshold(c.Watch.FailureThreshold),
	}
}

// PortFor returns the port to probe for t.
func (c *Config) PortFor(t Target) int {
	if t.Port != 0 {
		return t.Port
	}
	return c.Probe.Port
}

// ParseTarget parses "host", "host:port" or "[host]:port". defaultPort is
// used when no port is present. Any integer port is accepted.
func ParseTarget(s string, defaultPort int) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, errors.New("empty target")
	}

	// a bare IPv6 literal has colons but no port
	if !strings.Contains(s, ":") || (strings.Count(s, ":") > 1 && !strings.HasPrefix(s, "[")) {
		return Target{Host: s, Port: defaultPort}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Target{}, errors.Wrapf(err, "parse target %q", s)
	}
	// range is checked by the probe and reported in its result
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Target{}, errors.Errorf("parse target %q: invalid port %q", s, portStr)
	}
	return Target{Host: host, Port: port}, nil
}
