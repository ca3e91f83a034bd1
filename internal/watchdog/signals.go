// Package watchdog manages the signal files shared between the application
// and its supervisor, and implements the supervisor itself.
package watchdog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gasguard/internal/fsutil"
)

// Signal file names. Heartbeats hold a decimal unix epoch; the others are
// single-shot flags removed by whoever acts on them.
const (
	ManagerHeartbeat  = "manager_heartbeat.signal"
	WatchdogHeartbeat = "watchdog_heartbeat.signal"
	NormalExit        = "normal_exit.signal"
	Restart           = "restart.signal"
	WatchdogExit      = "watchdog_exit.signal"
)

type Signals struct {
	dir string
}

func NewSignals(dir string) *Signals {
	if dir == "" {
		dir = "."
	}
	return &Signals{dir: dir}
}

func (s *Signals) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// WriteHeartbeat atomically replaces the named file with now's epoch.
func (s *Signals) WriteHeartbeat(name string, now time.Time) error {
	line := strconv.FormatInt(now.Unix(), 10) + "\n"
	return fsutil.WriteFileAtomic(s.Path(name), []byte(line), 0o644)
}

func (s *Signals) ReadHeartbeat(name string) (time.Time, error) {
	raw, err := os.ReadFile(s.Path(name))
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat %s: %w", name, err)
	}
	return time.Unix(secs, 0), nil
}

// Raise creates a flag file.
func (s *Signals) Raise(name string) error {
	return s.WriteHeartbeat(name, time.Now())
}

func (s *Signals) Present(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Consume removes a flag file and reports whether it was there.
func (s *Signals) Consume(name string) bool {
	err := os.Remove(s.Path(name))
	return err == nil
}

// Remove deletes a signal file; a missing file is not an error.
func (s *Signals) Remove(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
