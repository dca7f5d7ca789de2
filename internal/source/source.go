package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xpadev-net/ice-launcher/internal/config"
	"github.com/xpadev-net/ice-launcher/internal/ids"
	"github.com/xpadev-net/ice-launcher/internal/log"
)

// DefaultCommand relays the mount's input to icecast with ffmpeg.
var DefaultCommand = []string{
	"ffmpeg", "-hide_banner", "-loglevel", "error",
	"-re", "-i", "{input}",
	"-vn", "-c:a", "libmp3lame", "-b:a", "128k",
	"-content_type", "audio/mpeg", "-f", "mp3",
	"icecast://source:{icecast_password}@{icecast_host}:{icecast_port}/{mount}",
}

// ProcessError reports a source process that could not be started.
type ProcessError struct {
	Mount string
	Err   error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("start source for mount %q: %v", e.Mount, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Process is a running (or exited) source process.
type Process struct {
	id      string
	mount   string
	args    []string
	cmd     *exec.Cmd
	started time.Time

	done    chan struct{}
	exitErr error
}

// ID returns the handle identifier.
func (p *Process) ID() string { return p.id }

// PID returns the OS process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Args returns the command line the process was started with.
func (p *Process) Args() []string { return p.args }

// StartedAt returns when the process was started.
func (p *Process) StartedAt() time.Time { return p.started }

// Exited reports whether the process has terminated. It never blocks.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the process has terminated.
func (p *Process) Done() <-chan struct{} { return p.done }

// Supervisor starts and stops source processes.
type Supervisor struct {
	icecastHost     string
	icecastPort     int
	icecastPassword string
	stopTimeout     time.Duration
}

// NewSupervisor creates a supervisor feeding the given icecast server.
func NewSupervisor(cfg *config.LauncherConfig) *Supervisor {
	stopTimeout := cfg.SourceStopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &Supervisor{
		icecastHost:     cfg.IcecastHost,
		icecastPort:     cfg.IcecastPort,
		icecastPassword: cfg.IcecastPassword,
		stopTimeout:     stopTimeout,
	}
}

// Command expands the argv template of mc.
func (s *Supervisor) Command(mc *config.MountConfig) []string {
	tmpl := mc.Command
	if len(tmpl) == 0 {
		tmpl = DefaultCommand
	}
	r := strings.NewReplacer(
		"{mount}", mc.Name,
		"{name}", baseName(mc.Name),
		"{input}", mc.Input,
		"{icecast_host}", s.icecastHost,
		"{icecast_port}", strconv.Itoa(s.icecastPort),
		"{icecast_password}", s.icecastPassword,
	)
	args := make([]string, len(tmpl))
	for i, arg := range tmpl {
		args[i] = r.Replace(arg)
	}
	return args
}

// Start launches the source process for mount.
func (s *Supervisor) Start(mount string, mc *config.MountConfig) (*Process, error) {
	args := s.Command(mc)
	if len(args) == 0 || args[0] == "" {
		return nil, &ProcessError{Mount: mount, Err: errors.New("empty command")}
	}

	cmd := exec.Command(args[0], args[1:]...)
	// Own process group so Stop also reaches children of wrapper scripts.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessError{Mount: mount, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Mount: mount, Err: err}
	}

	p := &Process{
		id:      ids.NewProcessID(),
		mount:   mount,
		args:    args,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	var output sync.WaitGroup
	output.Add(1)
	go func() {
		defer output.Done()
		logOutput(mount, stderr)
	}()
	go func() {
		// Wait must not run before the pipe has been drained.
		output.Wait()
		p.exitErr = cmd.Wait()
		close(p.done)
		log.Debug("source process exited",
			zap.String("mount", mount),
			zap.String("process_id", p.id),
			zap.Int("pid", cmd.Process.Pid),
			zap.NamedError("exit", p.exitErr),
		)
	}()

	log.Info("source process started",
		zap.String("mount", mount),
		zap.String("process_id", p.id),
		zap.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

// Stop terminates p, escalating to SIGKILL after the stop timeout.
func (s *Supervisor) Stop(p *Process, mount string) error {
	if p.Exited() {
		return nil
	}
	if err := p.signal(syscall.SIGTERM); err != nil {
		log.Warn("failed to signal source process", zap.String("mount", mount), zap.Error(err))
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	log.Warn("source process did not exit, killing",
		zap.String("mount", mount),
		zap.Int("pid", p.PID()),
		zap.Duration("timeout", s.stopTimeout),
	)
	if err := p.signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill source process: %w", err)
	}
	<-p.done
	return nil
}

func (p *Process) signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Fall back to the leader alone.
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func logOutput(mount string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if log.Enabled(zapcore.DebugLevel) {
			log.Debug("source output", zap.String("mount", mount), zap.String("line", scanner.Text()))
		}
	}
	// Keep the pipe drained if a line overflowed the scanner.
	_, _ = io.Copy(io.Discard, r)
}

func baseName(mount string) string {
	if i := strings.LastIndexByte(mount, '/'); i >= 0 {
		return mount[i+1:]
	}
	return mount
}
