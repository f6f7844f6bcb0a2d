package launcher

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// containerWorkdir is where the run kit is mounted.
const containerWorkdir = "/workspace"

// commandRunner runs a command and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DockerBackend drives containers through the docker CLI.
type DockerBackend struct {
	bin       string
	hostAlias string
	tailLines int
	run       commandRunner
	fakeRun   bool
	logger    *zap.Logger
}

type DockerOption func(*DockerBackend)

// WithHostAlias maps alias to the host gateway inside every container.
func WithHostAlias(alias string) DockerOption {
	return func(d *DockerBackend) { d.hostAlias = alias }
}

func WithTailLines(n int) DockerOption {
	return func(d *DockerBackend) { d.tailLines = n }
}

func withRunner(r commandRunner) DockerOption {
	return func(d *DockerBackend) { d.run, d.fakeRun = r, true }
}

// NewDockerBackend checks that the docker binary exists. It does not contact
// the daemon.
func NewDockerBackend(bin string, logger *zap.Logger, opts ...DockerOption) (*DockerBackend, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "docker"
	}
	d := &DockerBackend{bin: bin, tailLines: defaultTailLines, run: execRunner}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger = logger; d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.With(zap.String("component", "docker"))
	if !d.fakeRun {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("%w: docker binary not found: %v", ErrRuntimeUnreachable, err)
		}
	}
	return d, nil
}

func (d *DockerBackend) Name() string { return BackendDocker }

// Ping asks the daemon for its version.
func (d *DockerBackend) Ping(ctx context.Context) error {
	out, err := d.run(ctx, d.bin, "info", "--format", "{{.ServerVersion}}")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRuntimeUnreachable, strings.TrimSpace(string(out)))
	}
	return nil
}

// ImageExists reports ErrImageNotFound when the image is not present locally.
func (d *DockerBackend) ImageExists(ctx context.Context, image string) error {
	out, err := d.run(ctx, d.bin, "image", "inspect", "--format", "{{.Id}}", image)
	text := strings.TrimSpace(string(out))
	if err != nil {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "no such image") || strings.Contains(lower, "not found") || strings.Contains(lower, "no such object") {
			return fmt.Errorf("%w: %s", ErrImageNotFound, image)
		}
		return fmt.Errorf("docker image inspect failed: %w: %s", err, text)
	}
	if text == "" {
		return fmt.Errorf("%w: %s", ErrImageNotFound, image)
	}
	return nil
}

// Start checks the daemon and the image, then runs the container detached.
func (d *DockerBackend) Start(ctx context.Context, unitID string, spec Spec) (Process, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("docker: image is required")
	}
	if err := d.Ping(ctx); err != nil {
		return nil, err
	}
	if err := d.ImageExists(ctx, spec.Image); err != nil {
		return nil, err
	}

	args := d.runArgs(unitID, spec)
	out, err := d.run(ctx, d.bin, args...)
	if err != nil {
		return nil, fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	d.logger.Debug("container started", zap.String("container", unitID), zap.String("image", spec.Image))
	return &container{backend: d, name: unitID}, nil
}

func (d *DockerBackend) runArgs(unitID string, spec Spec) []string {
	args := []string{
		"run", "--detach",
		"--name", unitID,
		"--label", "fedrun.run_id=" + spec.RunID,
		"--label", "fedrun.consortium_id=" + spec.ConsortiumID,
	}
	if d.hostAlias != "" {
		args = append(args, "--add-host", d.hostAlias+":host-gateway")
	}
	if spec.Path != "" {
		args = append(args, "-v", spec.Path+":"+containerWorkdir, "--workdir", containerWorkdir)
	}
	for _, m := range spec.Mounts {
		v := m.Host + ":" + m.Container
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	for _, p := range spec.Ports {
		port := strconv.Itoa(p)
		args = append(args, "-p", port+":"+port)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

type container struct {
	backend *DockerBackend
	name    string
}

func (c *container) Wait(ctx context.Context) (int, string, error) {
	d := c.backend
	out, err := d.run(ctx, d.bin, "wait", c.name)
	text := strings.TrimSpace(string(out))
	if err != nil {
		return -1, c.tail(ctx), fmt.Errorf("docker wait %s: %w: %s", c.name, err, text)
	}
	code, perr := strconv.Atoi(lastLine(text))
	if perr != nil {
		return -1, c.tail(ctx), fmt.Errorf("docker wait %s: unexpected output %q", c.name, text)
	}
	tail := c.tail(ctx)
	if _, err := d.run(ctx, d.bin, "rm", "--force", c.name); err != nil {
		d.logger.Debug("container cleanup failed", zap.String("container", c.name), zap.Error(err))
	}
	return code, tail, nil
}

func (c *container) tail(ctx context.Context) string {
	d := c.backend
	out, err := d.run(ctx, d.bin, "logs", "--tail", strconv.Itoa(d.tailLines), c.name)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(out), "\n")
}

func (c *container) Stop(ctx context.Context, grace time.Duration) error {
	d := c.backend
	secs := int(grace.Round(time.Second) / time.Second)
	out, err := d.run(ctx, d.bin, "stop", "--time", strconv.Itoa(secs), c.name)
	if err != nil {
		return fmt.Errorf("docker stop %s: %w: %s", c.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *container) Kill(ctx context.Context) error {
	d := c.backend
	out, err := d.run(ctx, d.bin, "kill", c.name)
	if err != nil {
		return fmt.Errorf("docker kill %s: %w: %s", c.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return strings.TrimSpace(s)
}
