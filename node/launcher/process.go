package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Environment injected into every local process.
const (
	EnvFileServerURL = "FEDRUN_FILE_SERVER_URL"
	EnvRunID         = "FEDRUN_RUN_ID"
	EnvConsortiumID  = "FEDRUN_CONSORTIUM_ID"
	EnvAccessToken   = "FEDRUN_ACCESS_TOKEN"
)

// ProcessConfig configures local observer processes.
type ProcessConfig struct {
	// Interpreter used to create the venv, e.g. python3.
	Interpreter string
	// Virtual environment directory; empty runs Interpreter directly.
	VenvDir string
	// Package installed into the venv when it cannot be imported.
	Package        string
	PackageVersion string
	// Entry script relative to Spec.Path, used when Spec.Command is empty.
	Entrypoint    string
	FileServerURL string
	// AccessToken returns the current node credential.
	AccessToken func() string
	TailLines   int
}

// ProcessBackend runs units as local processes in their own process group.
type ProcessBackend struct {
	cfg    ProcessConfig
	run    commandRunner
	logger *zap.Logger

	mu     sync.Mutex
	python string
}

func NewProcessBackend(cfg ProcessConfig, logger *zap.Logger) *ProcessBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = defaultTailLines
	}
	return &ProcessBackend{
		cfg:    cfg,
		run:    execRunner,
		logger: logger.With(zap.String("component", "process")),
	}
}

func (p *ProcessBackend) Name() string { return BackendProcess }

// Interpreter returns the interpreter for units, creating the venv and
// installing the pinned package on first use.
func (p *ProcessBackend) Interpreter(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.python != "" {
		return p.python, nil
	}
	if p.cfg.VenvDir == "" {
		p.python = p.cfg.Interpreter
		return p.python, nil
	}

	python := venvPython(p.cfg.VenvDir)
	if _, err := os.Stat(python); err != nil {
		p.logger.Info("creating virtual environment", zap.String("dir", p.cfg.VenvDir))
		if out, err := p.run(ctx, p.cfg.Interpreter, "-m", "venv", p.cfg.VenvDir); err != nil {
			return "", fmt.Errorf("create venv %s: %w: %s", p.cfg.VenvDir, err, strings.TrimSpace(string(out)))
		}
	}

	if pkg := p.cfg.Package; pkg != "" {
		module := strings.ReplaceAll(pkg, "-", "_")
		if _, err := p.run(ctx, python, "-c", "import "+module); err != nil {
			req := pkg
			if p.cfg.PackageVersion != "" {
				req += "==" + p.cfg.PackageVersion
			}
			p.logger.Info("installing package", zap.String("requirement", req))
			if out, err := p.run(ctx, python, "-m", "pip", "install", req); err != nil {
				return "", fmt.Errorf("pip install %s: %w: %s", req, err, strings.TrimSpace(string(out)))
			}
		}
	}
	p.python = python
	return python, nil
}

// Start launches the unit detached from ctx; use Stop to end it.
func (p *ProcessBackend) Start(ctx context.Context, unitID string, spec Spec) (Process, error) {
	argv := spec.Command
	if len(argv) == 0 {
		if p.cfg.Entrypoint == "" {
			return nil, errors.New("process: no command and no entrypoint configured")
		}
		python, err := p.Interpreter(ctx)
		if err != nil {
			return nil, err
		}
		argv = []string{python, filepath.Join(spec.Path, filepath.FromSlash(p.cfg.Entrypoint))}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Path
	cmd.Env = p.environ(spec)
	tail := newTailBuffer(p.cfg.TailLines)
	cmd.Stdout = tail
	cmd.Stderr = tail
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	proc := &localProcess{cmd: cmd, tail: tail, done: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()
	p.logger.Debug("process started", zap.String("unit_id", unitID), zap.Int("pid", cmd.Process.Pid))
	return proc, nil
}

func (p *ProcessBackend) environ(spec Spec) []string {
	env := os.Environ()
	env = append(env,
		EnvFileServerURL+"="+p.cfg.FileServerURL,
		EnvRunID+"="+spec.RunID,
		EnvConsortiumID+"="+spec.ConsortiumID,
	)
	if p.cfg.AccessToken != nil {
		env = append(env, EnvAccessToken+"="+p.cfg.AccessToken())
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func venvPython(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, "Scripts", "python.exe")
	}
	return filepath.Join(dir, "bin", "python")
}

type localProcess struct {
	cmd  *exec.Cmd
	tail *tailBuffer
	done chan struct{}
	err  error
}

func (lp *localProcess) Wait(ctx context.Context) (int, string, error) {
	select {
	case <-lp.done:
	case <-ctx.Done():
		return -1, lp.tail.String(), ctx.Err()
	}
	code := lp.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if lp.err != nil && !errors.As(lp.err, &exitErr) {
		return code, lp.tail.String(), lp.err
	}
	return code, lp.tail.String(), nil
}

// Stop sends SIGTERM to the process group and SIGKILL after grace.
func (lp *localProcess) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-lp.done:
		return nil
	default:
	}
	signalGroup(lp.cmd, false)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-lp.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	signalGroup(lp.cmd, true)
	<-lp.done
	return fmt.Errorf("process %d ignored SIGTERM for %s", lp.cmd.Process.Pid, grace)
}

func (lp *localProcess) Kill(ctx context.Context) error {
	select {
	case <-lp.done:
		return nil
	default:
	}
	signalGroup(lp.cmd, true)
	select {
	case <-lp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
