package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"gasguard/internal/clock"
	"gasguard/internal/logging"
)

// Process is a running child that can be waited on and killed.
type Process interface {
	Wait() error
	Kill() error
}

// Launcher starts one instance of the supervised application.
type Launcher func(ctx context.Context) (Process, error)

type cmdProcess struct{ cmd *exec.Cmd }

func (p cmdProcess) Wait() error { return p.cmd.Wait() }
func (p cmdProcess) Kill() error { return p.cmd.Process.Kill() }

// CommandLauncher runs name with args, sharing the supervisor's stdio.
func CommandLauncher(name string, args ...string) Launcher {
	return func(_ context.Context) (Process, error) {
		cmd := exec.Command(name, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return cmdProcess{cmd: cmd}, nil
	}
}

type Options struct {
	HeartbeatInterval time.Duration
	HealthTimeout     time.Duration
	RestartDelay      time.Duration
	CheckInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 90 * time.Second
	}
	if o.RestartDelay < 0 {
		o.RestartDelay = 0
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Second
	}
	return o
}

// Supervisor keeps the application running. It restarts the child when it
// exits without raising normal_exit.signal, or when the manager heartbeat
// goes stale beyond HealthTimeout.
type Supervisor struct {
	signals *Signals
	launch  Launcher
	opts    Options
	clock   clock.Clock
	logger  *slog.Logger

	restarts int
}

func NewSupervisor(signals *Signals, launch Launcher, opts Options, clk clock.Clock, logger *slog.Logger) *Supervisor {
	if clk == nil {
		clk = clock.System{}
	}
	return &Supervisor{
		signals: signals,
		launch:  launch,
		opts:    opts.withDefaults(),
		clock:   clk,
		logger:  logging.OrDiscard(logger),
	}
}

// Restarts returns how many times the child has been relaunched.
func (s *Supervisor) Restarts() int {
	return s.restarts
}

type outcome int

const (
	outcomeExited outcome = iota
	outcomeStale
	outcomeCancelled
)

// Run supervises until the child exits normally, a full stop is requested
// via watchdog_exit.signal, or ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		_ = s.signals.Remove(WatchdogHeartbeat)
	}()
	// flags left over from a previous run would stop us immediately
	_ = s.signals.Remove(NormalExit)
	_ = s.signals.Remove(Restart)

	for first := true; ; first = false {
		if s.signals.Consume(WatchdogExit) {
			s.logger.Info("watchdog exit requested")
			return nil
		}
		if !first {
			s.restarts++
		}
		_ = s.signals.Remove(ManagerHeartbeat)
		proc, err := s.launch(ctx)
		if err != nil {
			s.logger.Error("launch failed", "error", err)
			if !sleep(ctx, s.opts.RestartDelay) {
				return nil
			}
			continue
		}
		started := s.clock.Now()
		s.logger.Info("application started", "restarts", s.restarts)

		exited := make(chan error, 1)
		go func() { exited <- proc.Wait() }()

		var exitErr error
		switch s.monitor(ctx, exited, started, &exitErr) {
		case outcomeCancelled:
			_ = proc.Kill()
			<-exited
			return nil
		case outcomeStale:
			s.logger.Warn("manager heartbeat stale, restarting", "timeout", s.opts.HealthTimeout)
			_ = proc.Kill()
			<-exited
		case outcomeExited:
			restart := s.signals.Consume(Restart)
			normal := s.signals.Consume(NormalExit)
			if s.signals.Consume(WatchdogExit) {
				s.logger.Info("watchdog exit requested")
				return nil
			}
			if normal && !restart {
				s.logger.Info("application exited normally")
				return nil
			}
			s.logger.Warn("application exited, restarting", "error", errString(exitErr), "requested", restart)
		}
		if !sleep(ctx, s.opts.RestartDelay) {
			return nil
		}
	}
}

func (s *Supervisor) monitor(ctx context.Context, exited <-chan error, started time.Time, exitErr *error) outcome {
	check := time.NewTicker(s.opts.CheckInterval)
	defer check.Stop()
	var lastBeat time.Time
	for {
		now := s.clock.Now()
		if now.Sub(lastBeat) >= s.opts.HeartbeatInterval {
			if err := s.signals.WriteHeartbeat(WatchdogHeartbeat, now); err != nil {
				s.logger.Warn("watchdog heartbeat write failed", "error", err)
			}
			lastBeat = now
		}
		if s.stale(now, started) {
			return outcomeStale
		}
		select {
		case err := <-exited:
			*exitErr = err
			return outcomeExited
		case <-ctx.Done():
			return outcomeCancelled
		case <-check.C:
		}
	}
}

// stale reports whether the manager heartbeat is older than the health
// timeout. A child that has not yet written one is measured from its start.
func (s *Supervisor) stale(now, started time.Time) bool {
	last := started
	if hb, err := s.signals.ReadHeartbeat(ManagerHeartbeat); err == nil && hb.After(last) {
		last = hb
	}
	return now.Sub(last) > s.opts.HealthTimeout
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errString(err error) string {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.String()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
