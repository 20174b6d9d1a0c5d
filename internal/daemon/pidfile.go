// Package daemon wires the orchestration engine together — watchers,
// event bus, action router, agent scheduler, hook engine, mailbox, and
// the HTTP surface — and manages the daemon process lifecycle: PID/port
// files, graceful shutdown, and detached operation.
package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/monocod/internal/monocoerr"
	"github.com/nugget/monocod/internal/scheduler"
)

// PIDFile is the workspace-scoped daemon record at
// <project>/.monoco/run/monoco.pid.
type PIDFile struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// PIDPath returns the PID file location under a data directory.
func PIDPath(dataDir string) string {
	return filepath.Join(dataDir, "run", "monoco.pid")
}

// ReadPID loads the PID file. A missing file returns (nil, nil).
func ReadPID(dataDir string) (*PIDFile, error) {
	data, err := os.ReadFile(PIDPath(dataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pf PIDFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("daemon: parse pid file: %w", err)
	}
	return &pf, nil
}

// writePID persists the PID file atomically.
func writePID(dataDir string, pf PIDFile) error {
	path := PIDPath(dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// RemovePID deletes the PID file. Missing is fine.
func RemovePID(dataDir string) {
	_ = os.Remove(PIDPath(dataDir))
}

// CheckStale refuses startup when the PID file points at a live
// process; a stale file (dead pid) is cleaned up silently.
func CheckStale(dataDir string) error {
	pf, err := ReadPID(dataDir)
	if err != nil {
		return monocoerr.Wrap(monocoerr.Fatal, err)
	}
	if pf == nil {
		return nil
	}
	if scheduler.PidAlive(pf.PID) {
		return monocoerr.Newf(monocoerr.Fatal,
			"daemon already running (pid %d, port %d)", pf.PID, pf.Port)
	}
	RemovePID(dataDir)
	return nil
}

// ClaimPort binds the first free port in [base, base+span), returning
// the listener and the port claimed.
func ClaimPort(address string, base, span int) (net.Listener, int, error) {
	for port := base; port < base+span; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, monocoerr.Newf(monocoerr.Fatal,
		"no free port in %d-%d on %s", base, base+span-1, address)
}

// StopDaemon reads the PID file, sends SIGTERM, waits up to wait for
// exit, then SIGKILLs. The PID file is removed. Returns nil when no
// daemon was running.
func StopDaemon(dataDir string, wait time.Duration) error {
	pf, err := ReadPID(dataDir)
	if err != nil {
		return err
	}
	if pf == nil || !scheduler.PidAlive(pf.PID) {
		RemovePID(dataDir)
		return nil
	}
	if err := syscall.Kill(pf.PID, syscall.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !scheduler.PidAlive(pf.PID) {
			RemovePID(dataDir)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(pf.PID, syscall.SIGKILL)
	RemovePID(dataDir)
	return nil
}

// StatusDaemon reports the PID file and whether its process is live.
func StatusDaemon(dataDir string) (*PIDFile, bool, error) {
	pf, err := ReadPID(dataDir)
	if err != nil || pf == nil {
		return pf, false, err
	}
	return pf, scheduler.PidAlive(pf.PID), nil
}
