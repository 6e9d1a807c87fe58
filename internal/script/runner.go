// Package script runs the external peer-up, peer-down, and peer-register
// hook scripts that let an operator wire NHRP lifecycle events into kernel
// route/ARP table manipulation, without the daemon linking any kernel
// netlink code directly.
package script

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/opennhrp/nhrpd/internal/metrics"
	"go.uber.org/zap"
)

// Action names the hook being invoked, exported to the script as
// NHRP_ACTION and used to pick the configured script path.
type Action string

const (
	ActionPeerUp             Action = "peer-up"
	ActionPeerDown           Action = "peer-down"
	ActionPeerRegister       Action = "peer-register"
	ActionPeerRegisterFailed Action = "peer-register-failed"
)

// Request describes everything a hook script needs, expressed as a flat
// set of fields rather than a peer.Peer so this package never imports
// peer (the dependency runs the other way: server wires Peer fields into
// a Request before calling Run).
type Request struct {
	Action           Action
	Interface        string
	Type             string
	DestAddr         string
	DestPrefix       string
	NBMADestAddr     string
	NBMASrcAddr      string
}

// Env renders r as the NHRP_* environment variables the original shell
// hooks expect, appended to the child's inherited environment.
func (r Request) Env() []string {
	return []string{
		"NHRP_ACTION=" + string(r.Action),
		"NHRP_INTERFACE=" + r.Interface,
		"NHRP_TYPE=" + r.Type,
		"NHRP_DESTADDR=" + r.DestAddr,
		"NHRP_DESTPREFIX=" + r.DestPrefix,
		"NHRP_NBMA_DESTADDR=" + r.NBMADestAddr,
		"NHRP_NBMA_SRCADDR=" + r.NBMASrcAddr,
	}
}

// Result is delivered to a Runner's completion callback once the child
// process exits (or fails to start).
type Result struct {
	Request  Request
	ExitCode int
	Err      error
	Duration time.Duration
}

// Success reports whether the script exited zero and started cleanly.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Handle represents one in-flight script invocation. Stop kills the child
// process if it is still running; used when a peer carrying a Handle is
// removed from the cache before its script completes.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the invocation. Safe to call multiple times or on a
// completed handle.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.cancel()
}

// Wait blocks until the invocation has completed, for tests.
func (h *Handle) Wait() {
	<-h.done
}

// Runner spawns hook scripts as children of the daemon. Completion is
// delivered asynchronously via the callback passed to Run, invoked on a
// dedicated goroutine per child — never on the event loop goroutine
// directly — so the caller must hand the result back to the loop itself
// (e.g. by sending it over a channel the loop selects on) rather than
// mutate shared state from inside the callback. The one exception is an
// empty script path, reported synchronously (see Run).
type Runner struct {
	log     *zap.Logger
	timeout time.Duration
}

// NewRunner constructs a Runner. timeout bounds how long a single script
// invocation may run before being killed; zero means no timeout.
func NewRunner(log *zap.Logger, timeout time.Duration) *Runner {
	return &Runner{log: log, timeout: timeout}
}

// Run spawns path with req's environment and invokes done with the result
// once the child exits. done runs on its own goroutine, not the caller's;
// callers driving a single-threaded event loop must bounce the result back
// onto that loop (e.g. via a channel) rather than touch shared state from
// inside done directly. If path is empty, no child is spawned: done is
// called synchronously on the caller's goroutine with a non-nil Err, and
// Run returns a nil Handle.
func (r *Runner) Run(ctx context.Context, path string, req Request, done func(Result)) *Handle {
	if path == "" {
		res := Result{Request: req, Err: fmt.Errorf("script: no %s script configured", req.Action)}
		recordExecMetrics(req, res)
		done(res)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
	}

	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()

		start := time.Now()
		cmd := exec.CommandContext(runCtx, path)
		cmd.Env = append(os.Environ(), req.Env()...)

		r.log.Debug("running hook script",
			zap.String("action", string(req.Action)),
			zap.String("path", path),
			zap.String("interface", req.Interface))

		err := cmd.Run()
		res := Result{Request: req, Duration: time.Since(start)}

		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.ExitCode = exitErr.ExitCode()
			} else {
				res.Err = err
			}
		}

		if !res.Success() {
			r.log.Warn("hook script failed",
				zap.String("action", string(req.Action)),
				zap.String("path", path),
				zap.Int("exit_code", res.ExitCode),
				zap.Error(res.Err))
		}

		recordExecMetrics(req, res)
		done(res)
	}()

	return h
}

func recordExecMetrics(req Request, res Result) {
	outcome := "success"
	if !res.Success() {
		outcome = "failure"
	}
	metrics.ScriptExecTotal.WithLabelValues(string(req.Action), outcome).Inc()
	metrics.ScriptExecDuration.WithLabelValues(string(req.Action), outcome).Observe(res.Duration.Seconds())
}
