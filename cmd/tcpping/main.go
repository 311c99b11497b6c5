package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/common/version"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/tilt-dev/tcpping/internal/config"
	"github.com/tilt-dev/tcpping/pkg/probe"
	"github.com/tilt-dev/tcpping/pkg/prober"
)

const binName = "tcpping"

const (
	exitOK      = 0
	exitOffline = 1
	exitUsage   = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	klog.Flush()
	os.Exit(code)
}

type flags struct {
	configFile      *string
	port            *int
	timeout         *string
	resolverTimeout *string
	resolvers       *string
	concurrency     *int
	watch           *string
	output          *string
	verbosity       *int
	version         *bool
}

func newFlagSet() (*ff.FlagSet, *flags) {
	fs := ff.NewFlagSet(binName)
	f := &flags{
		configFile:      fs.StringLong("config-file", "", "Path to YAML configuration file"),
		port:            fs.IntLong("port", 0, "Port for targets given without one (default from config, else 80)"),
		timeout:         fs.StringLong("timeout", "", "Socket timeout per attempt, e.g. 3s"),
		resolverTimeout: fs.StringLong("resolver-timeout", "", "Name resolution timeout, e.g. 2s"),
		resolvers:       fs.StringLong("resolvers", "", "Comma separated name servers, queried in order"),
		concurrency:     fs.IntLong("concurrency", 0, "Targets probed at once"),
		watch:           fs.StringLong("watch", "", "Probe continuously at this period instead of once, e.g. 10s"),
		output:          fs.StringEnumLong("output", "Output format: text, json", "text", "json"),
		verbosity:       fs.IntLong("verbosity", 0, "Log verbosity"),
		version:         fs.BoolLong("version", "Print version"),
	}
	return fs, f
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, f := newFlagSet()
	err := ff.Parse(fs, args, ff.WithEnvVarPrefix(strings.ToUpper(binName)))
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", ffhelp.Flags(fs))
		if errors.Is(err, ff.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	if *f.version {
		fmt.Fprintf(stdout, "%s v%s built on %s\n", binName, version.Version, version.BuildDate)
		return exitOK
	}

	initLogging(*f.verbosity, stderr)

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	for _, arg := range fs.GetArgs() {
		t, err := config.ParseTarget(arg, 0)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return exitUsage
		}
		cfg.Targets = append(cfg.Targets, t)
	}
	if len(cfg.Targets) == 0 {
		fmt.Fprintf(stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintln(stderr, "error: no targets")
		return exitUsage
	}
	for i := range cfg.Targets {
		cfg.Targets[i].Port = cfg.PortFor(cfg.Targets[i])
	}

	out := newPrinter(stdout, *f.output)
	if *f.watch != "" {
		return watch(ctx, cfg, out)
	}
	return pingAll(ctx, cfg, out)
}

func initLogging(verbosity int, stderr io.Writer) {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	_ = klogFlags.Set("v", strconv.Itoa(verbosity))
	klog.SetLogger(textlogger.NewLogger(textlogger.NewConfig(
		textlogger.Verbosity(verbosity),
		textlogger.Output(stderr),
	)))
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(f *flags) (config.Config, error) {
	cfg := config.Default()
	if *f.configFile != "" {
		var err error
		cfg, err = config.Load(*f.configFile)
		if err != nil {
			return cfg, err
		}
	}

	if *f.port != 0 {
		cfg.Probe.Port = *f.port
	}
	if *f.concurrency != 0 {
		cfg.Probe.Concurrency = *f.concurrency
	}
	if *f.resolvers != "" {
		cfg.Probe.Resolvers = nil
		for _, s := range strings.Split(*f.resolvers, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Probe.Resolvers = append(cfg.Probe.Resolvers, s)
			}
		}
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"timeout", *f.timeout, &cfg.Probe.Timeout},
		{"resolver-timeout", *f.resolverTimeout, &cfg.Probe.ResolverTimeout},
		{"watch", *f.watch, &cfg.Watch.Period},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return cfg, fmt.Errorf("--%s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, cfg.Validate()
}

// pingAll probes every target once and reports exitOffline unless all of
// them came online.
func pingAll(ctx context.Context, cfg config.Config, out *printer) int {
	opts := cfg.ProbeOptions()
	results := make([]probe.Result, len(cfg.Targets))
	errs := make([]error, len(cfg.Targets))

	pool := workerpool.New(cfg.Probe.Concurrency)
	for i, t := range cfg.Targets {
		i, t := i, t
		pool.Submit(func() {
			results[i], errs[i] = probe.TCPPing(ctx, t.Host, t.Port, opts...)
		})
	}
	pool.StopWait()

	code := exitOK
	for i, t := range cfg.Targets {
		if errs[i] != nil {
			klog.Errorf("Probe of %s could not run: %v", t, errs[i])
			return exitUsage
		}
		out.print(t, results[i])
		if !results[i].Online {
			code = exitOffline
		}
	}
	return code
}

// watch runs a prober per target until ctx is done, printing every status
// transition.
func watch(ctx context.Context, cfg config.Config, out *printer) int {
	opts := cfg.ProbeOptions()

	var wg sync.WaitGroup
	for _, t := range cfg.Targets {
		t := t
		p := prober.NewProber(
			probe.NewTCPSocket(t.Host, t.Port, opts...),
			append(cfg.ProberOptions(), prober.WithStatusChangeFunc(func(status probe.Status, result probe.Result) {
				klog.V(1).Infof("%s is now %s", t, status)
				out.print(t, result)
			}))...,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return exitOK
}

type printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
	enc    *json.Encoder
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format, enc: json.NewEncoder(w)}
}

type report struct {
	Target string `json:"target"`
	probe.Result
	LatencyMs float64 `json:"latency_ms"`
	Code      string  `json:"code,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (p *printer) print(t config.Target, r probe.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == "json" {
		rep := report{Target: t.String(), Result: r, LatencyMs: r.LatencyMs(), Code: r.Code()}
		if r.Err != nil {
			rep.Error = r.Err.Error()
		}
		if err := p.enc.Encode(rep); err != nil {
			klog.Errorf("Writing result for %s: %v", t, err)
		}
		return
	}

	switch r.Status() {
	case probe.Success:
		fmt.Fprintf(p.w, "%s\tonline\tip=%s\tlatency=%.2fms\n", t, r.IP, r.LatencyMs())
	case probe.Failure:
		fmt.Fprintf(p.w, "%s\toffline\tcode=%s\t%v\n", t, r.Code(), r.Err)
	default:
		fmt.Fprintf(p.w, "%s\toffline\tip=%s\tno outcome\n", t, r.IP)
	}
}
