// Package casd supervises the buildbox-casd helper subprocess which serves
// content addressable storage over a unix domain socket for the whole
// session, and provides lazily connected gRPC channels to it.
package casd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/messages"
	"github.com/rs/zerolog"
)

// maxLogFiles bounds how many casd log files are kept in the log directory
const maxLogFiles = 10

// helperBinary is the casd executable resolved from the host PATH
const helperBinary = "buildbox-casd"

// Config holds the casd subprocess configuration
type Config struct {
	// Path is the root directory of the CAS repository
	Path string

	// LogDir receives the rotated casd log files
	LogDir string

	// LogLevel is handed to casd verbatim
	LogLevel string

	// CacheQuota is the configured cache quota in bytes, 0 for none
	CacheQuota int64

	// ProtectSessionBlobs disables expiry for blobs used in this session
	ProtectSessionBlobs bool
}

// ProcessManager owns the buildbox-casd subprocess for one session.
//
// The socket lives in a fresh temporary directory outside the storage path
// to stay clear of the unix socket path length limit. The child runs in
// its own process group so a ^C against the frontend never reaches it; the
// manager alone decides when it dies.
type ProcessManager struct {
	cfg        Config
	socketDir  string
	socketPath string
	connection string
	logFile    string
	startTime  time.Time
	logger     zerolog.Logger

	cmd    *exec.Cmd
	exited chan struct{}
}

// NewProcessManager rotates the casd logs, spawns buildbox-casd and
// returns its manager. The returned manager must be released with
// ReleaseResources once the session ends.
func NewProcessManager(cfg Config) (*ProcessManager, error) {
	socketDir, err := os.MkdirTemp("", "forge")
	if err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	pm := &ProcessManager{
		cfg:        cfg,
		socketDir:  socketDir,
		socketPath: filepath.Join(socketDir, "casd.sock"),
		startTime:  time.Now(),
		logger:     log.WithComponent("casd"),
		exited:     make(chan struct{}),
	}
	pm.connection = "unix:" + pm.socketPath

	binary, err := exec.LookPath(helperBinary)
	if err != nil {
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("failed to resolve %s: %w", helperBinary, err)
	}

	args := []string{
		"--bind=" + pm.connection,
		"--log-level=" + cfg.LogLevel,
	}
	if cfg.CacheQuota > 0 {
		args = append(args,
			fmt.Sprintf("--quota-high=%d", cfg.CacheQuota),
			fmt.Sprintf("--quota-low=%d", cfg.CacheQuota/2),
		)
		if cfg.ProtectSessionBlobs {
			args = append(args, "--protect-session-blobs")
		}
	}
	args = append(args, cfg.Path)

	pm.logFile, err = pm.rotateLogs()
	if err != nil {
		os.RemoveAll(socketDir)
		return nil, err
	}

	logFP, err := os.Create(pm.logFile)
	if err != nil {
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("failed to open casd log file: %w", err)
	}
	defer logFP.Close()

	pm.cmd = exec.Command(binary, args...)
	pm.cmd.Dir = cfg.Path
	pm.cmd.Stdout = logFP
	pm.cmd.Stderr = logFP
	// Own process group: the user's ^C is for the frontend, not for casd
	pm.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := pm.cmd.Start(); err != nil {
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("failed to spawn %s: %w", helperBinary, err)
	}

	go func() {
		_ = pm.cmd.Wait()
		close(pm.exited)
	}()

	pm.logger.Debug().
		Str("socket", pm.socketPath).
		Str("log", pm.logFile).
		Int("pid", pm.cmd.Process.Pid).
		Msg("Spawned buildbox-casd")

	return pm, nil
}

// Channel returns a lazily connected channel to the casd services. The
// actual connection is not established until a stub is requested.
func (pm *ProcessManager) Channel() *Channel {
	return NewChannel(pm.socketPath, pm.connection, pm.startTime)
}

// ReleaseResources terminates the casd process and removes the socket
// directory
func (pm *ProcessManager) ReleaseResources(messenger *messages.Messenger) {
	pm.terminate(messenger)
	os.RemoveAll(pm.socketDir)
}

// rotateLogs deletes the oldest casd logs until at most maxLogFiles-1
// remain and returns the fresh log file name
func (pm *ProcessManager) rotateLogs() (string, error) {
	entries, err := os.ReadDir(pm.cfg.LogDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to list casd log directory: %w", err)
		}
		if err := os.MkdirAll(pm.cfg.LogDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create casd log directory: %w", err)
		}
		entries = nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for len(names) >= maxLogFiles {
		if err := os.Remove(filepath.Join(pm.cfg.LogDir, names[0])); err != nil {
			return "", fmt.Errorf("failed to rotate casd logs: %w", err)
		}
		names = names[1:]
	}

	name := fmt.Sprintf("%.6f.log", float64(pm.startTime.UnixMicro())/1e6)
	return filepath.Join(pm.cfg.LogDir, name), nil
}

// terminate walks the shutdown ladder: a quick graceful wait, a visible
// graceful wait, then SIGKILL
func (pm *ProcessManager) terminate(messenger *messages.Messenger) {
	select {
	case <-pm.exited:
		// casd is already dead; a helper that died mid-session is a bug
		if code := pm.cmd.ProcessState.ExitCode(); code != 0 {
			pm.message(messenger, messages.New(messages.KindBug,
				fmt.Sprintf("Buildbox-casd died during the run. Exit code: %d, Logs: %s",
					code, pm.logFile)))
		}
		return
	default:
	}

	_ = pm.cmd.Process.Signal(syscall.SIGTERM)

	// Don't print anything if casd terminates quickly
	if pm.waitExit(500 * time.Millisecond) {
		pm.reportExit(messenger)
		return
	}

	var activity *messages.Activity
	if messenger != nil {
		activity = messenger.TimedActivity("Terminating buildbox-casd")
	}

	if !pm.waitExit(15 * time.Second) {
		_ = pm.cmd.Process.Kill()
		pm.waitExit(15 * time.Second)

		if activity != nil {
			activity.Fail()
		}
		pm.message(messenger, messages.New(messages.KindWarn,
			"Buildbox-casd didn't exit in time and has been killed"))
		return
	}

	if activity != nil {
		activity.Stop()
	}
	pm.reportExit(messenger)
}

func (pm *ProcessManager) reportExit(messenger *messages.Messenger) {
	if code := pm.cmd.ProcessState.ExitCode(); code != 0 {
		pm.message(messenger, messages.New(messages.KindBug,
			fmt.Sprintf("Buildbox-casd didn't exit cleanly. Exit code: %d, Logs: %s",
				code, pm.logFile)))
	}
}

func (pm *ProcessManager) waitExit(timeout time.Duration) bool {
	select {
	case <-pm.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (pm *ProcessManager) message(messenger *messages.Messenger, msg *messages.Message) {
	if messenger != nil {
		messenger.Message(msg)
	}
}
