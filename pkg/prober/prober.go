package prober

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"k8s.io/klog/v2"

	"github.com/tilt-dev/tcpping/pkg/probe"
)

const (
	// DefaultProbePeriod is how long a Prober waits between attempts.
	DefaultProbePeriod = 10 * time.Second

	// DefaultProbeTimeout bounds one attempt as seen by the Prober. It is
	// longer than probe.DefaultSocketTimeout so a TCP probe reports its own
	// timeout before the Prober gives up on it.
	DefaultProbeTimeout = probe.DefaultSocketTimeout + 2*time.Second

	// DefaultInitialDelay is the wait before the first attempt.
	DefaultInitialDelay = 0 * time.Second

	// DefaultProbeSuccessThreshold is the number of consecutive online
	// results needed to switch to probe.Success.
	DefaultProbeSuccessThreshold = 1

	// DefaultProbeFailureThreshold is the number of consecutive results that
	// are not online needed to switch away from probe.Success.
	DefaultProbeFailureThreshold = 3
)

var realClock = clockwork.NewRealClock()

// StatusChangedFunc is invoked on status transitions with the new status
// and the probe result that caused it.
type StatusChangedFunc func(status probe.Status, result probe.Result)

// Option configures a Prober.
type Option func(w *Prober)

// NewProber returns a Prober for p. It does nothing until Run is called.
func NewProber(p probe.Prober, opts ...Option) *Prober {
	w := &Prober{
		probe:            p,
		clock:            realClock,
		period:           DefaultProbePeriod,
		timeout:          DefaultProbeTimeout,
		initialDelay:     DefaultInitialDelay,
		successThreshold: DefaultProbeSuccessThreshold,
		failureThreshold: DefaultProbeFailureThreshold,
		status:           probe.Unknown,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Prober periodically executes a probe.Prober and tracks the resulting
// status.
//
// Every invocation is an independent attempt; thresholds only control when
// the reported status changes.
type Prober struct {
	probe probe.Prober

	clock clockwork.Clock
	mu    sync.Mutex

	stopFunc context.CancelFunc

	initialDelay time.Duration
	period       time.Duration
	timeout      time.Duration

	successThreshold int
	failureThreshold int

	// status only moves once a streak reaches its threshold
	status     probe.Status
	lastResult probe.Result

	statusFunc StatusChangedFunc

	// observed, if set, receives the status of every handled attempt
	observed chan probe.Status

	streakStatus probe.Status
	streak       int
}

// Run makes an attempt every period until Stop is called or ctx is done.
// It panics if the Prober is already running.
func (w *Prober) Run(ctx context.Context) {
	w.mu.Lock()
	if w.stopFunc != nil {
		panic("prober is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.stopFunc = cancel

	w.streakStatus = probe.Unknown
	w.streak = 0
	// initial status is failure until a successful probe
	w.status = probe.Failure

	w.mu.Unlock()

	w.clock.Sleep(w.initialDelay)

	ticker := w.clock.NewTicker(w.period)
	defer ticker.Stop()
	for {
		w.doProbe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// Stop ends Run. Extra calls are no-ops.
func (w *Prober) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopFunc != nil {
		w.stopFunc()
		w.stopFunc = nil
		w.status = probe.Unknown
	}
}

// Status returns the current status, or probe.Unknown when not running.
func (w *Prober) Status() probe.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastResult returns the result of the most recent invocation.
func (w *Prober) LastResult() probe.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastResult
}

func (w *Prober) doProbe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	type outcome struct {
		result probe.Result
		err    error
	}
	out := make(chan outcome, 1)
	go func() {
		result, err := w.probe.Probe(ctx)
		out <- outcome{result: result, err: err}
	}()

	select {
	case o := <-out:
		status := o.result.Status()
		if o.err != nil {
			klog.Warningf("Probe could not be executed: %v", o.err)
			status = probe.Unknown
		}
		w.handleResult(status, o.result)
	case <-ctx.Done():
		// a plain cancellation means Stop and records nothing; only the
		// deadline counts as a failed attempt
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			w.handleResult(probe.Failure, probe.Result{
				Latency: probe.NoLatency,
				Err: &probe.Error{
					Kind:    probe.KindTimeout,
					Code:    probe.CodeTimeout,
					Timeout: w.timeout,
				},
			})
		}
	}
}

// handleResult records one attempt and moves the status once the current
// streak of identical statuses reaches its threshold.
func (w *Prober) handleResult(status probe.Status, result probe.Result) {
	defer w.observe(status)

	w.mu.Lock()
	w.lastResult = result
	w.mu.Unlock()

	if w.streakStatus == status {
		w.streak++
	} else {
		w.streakStatus = status
		w.streak = 1
	}
	if w.streak < w.threshold(status) {
		return
	}

	w.mu.Lock()
	if w.stopFunc == nil || w.status == status {
		w.mu.Unlock()
		return
	}
	w.status = status
	w.mu.Unlock()

	klog.V(2).Infof("Probe status changed to %s", status)
	if w.statusFunc != nil {
		w.statusFunc(status, result)
	}
}

func (w *Prober) threshold(status probe.Status) int {
	if status == probe.Success {
		return w.successThreshold
	}
	return w.failureThreshold
}

func (w *Prober) observe(status probe.Status) {
	if w.observed != nil {
		w.observed <- status
	}
}

// WithPeriod sets the wait between attempts.
func WithPeriod(period time.Duration) Option {
	return func(w *Prober) {
		w.period = period
	}
}

// WithTimeout sets how long an attempt may run before the Prober abandons
// it and counts it as probe.Failure.
func WithTimeout(timeout time.Duration) Option {
	return func(w *Prober) {
		w.timeout = timeout
	}
}

// WithFailureThreshold sets how many consecutive results that are not
// online it takes to leave probe.Success.
func WithFailureThreshold(v int) Option {
	return func(w *Prober) {
		w.failureThreshold = v
	}
}

// WithSuccessThreshold sets how many consecutive online results it takes
// to reach probe.Success.
func WithSuccessThreshold(v int) Option {
	return func(w *Prober) {
		w.successThreshold = v
	}
}

// WithInitialDelay sets the wait before the first attempt. Status reads
// probe.Failure until then.
func WithInitialDelay(delay time.Duration) Option {
	return func(w *Prober) {
		w.initialDelay = delay
	}
}

// WithStatusChangeFunc sets the callback for status transitions. Attempts
// that leave the status unchanged do not invoke it.
func WithStatusChangeFunc(f StatusChangedFunc) Option {
	return func(w *Prober) {
		w.statusFunc = f
	}
}
