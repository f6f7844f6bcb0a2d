// Package launcher starts and tracks the execution units of a node: docker
// containers for contributors and the central FL server, local processes for
// observers.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/fedrun/node/role"
)

// Backend names.
const (
	BackendDocker  = "docker"
	BackendProcess = "process"
)

var (
	ErrEmptyMountPath     = errors.New("launcher: mount has an empty host path")
	ErrObserverDataMount  = errors.New("launcher: data mount requested for a non-contributor")
	ErrUnitNotFound       = errors.New("launcher: unit not found")
	ErrRuntimeUnreachable = errors.New("launcher: container runtime unreachable")
	ErrImageNotFound      = errors.New("launcher: image not found")
	ErrUnknownBackend     = errors.New("launcher: unknown backend")
)

// Mount is a bind mount of a host path into a container.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
	// Data marks the participant's private data volume.
	Data bool
}

// Spec describes one unit to launch.
type Spec struct {
	Backend string
	// Container image, docker backend only.
	Image string
	// Working directory, usually the run kit.
	Path         string
	Mounts       []Mount
	Ports        []int
	Command      []string
	Env          map[string]string
	RunID        string
	ConsortiumID string
	// Optional unit name; generated when empty.
	Name string
	Role role.Role
}

// Validate applies the launch guards. It runs before any unit is created.
func (s Spec) Validate() error {
	for _, m := range s.Mounts {
		if strings.TrimSpace(m.Host) == "" {
			return fmt.Errorf("%w (container path %q)", ErrEmptyMountPath, m.Container)
		}
		if m.Data && s.Role != role.Contributor {
			return fmt.Errorf("%w (role %q)", ErrObserverDataMount, s.Role)
		}
	}
	return nil
}

// Outcome is the single terminal result of a unit.
type Outcome struct {
	UnitID   string
	ExitCode int
	// Err is nil for a zero exit.
	Err error
	// Last lines of combined output.
	OutputTail string
}

// Backend starts units of one kind.
type Backend interface {
	Name() string
	Start(ctx context.Context, unitID string, spec Spec) (Process, error)
}

// Process is a started unit.
type Process interface {
	// Wait blocks until the unit exits.
	Wait(ctx context.Context) (exitCode int, tail string, err error)
	// Stop asks the unit to exit and escalates after grace.
	Stop(ctx context.Context, grace time.Duration) error
	Kill(ctx context.Context) error
}

// UnitsObserver receives the running-unit count per backend.
type UnitsObserver interface {
	SetRunningUnits(backend string, n int)
}

// Launcher dispatches specs to backends and records running units.
type Launcher struct {
	backends map[string]Backend
	units    *UnitTable
	observer UnitsObserver
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Launcher)

func WithBackend(b Backend) Option {
	return func(l *Launcher) { l.backends[b.Name()] = b }
}

func WithObserver(o UnitsObserver) Option {
	return func(l *Launcher) { l.observer = o }
}

// New creates a launcher. units may be shared with other components.
func New(units *UnitTable, logger *zap.Logger, opts ...Option) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if units == nil {
		units = NewUnitTable()
	}
	l := &Launcher{
		backends: make(map[string]Backend),
		units:    units,
		logger:   logger.With(zap.String("component", "launcher")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Units returns the running-unit table.
func (l *Launcher) Units() *UnitTable { return l.units }

// Handle tracks a launched unit.
type Handle struct {
	Unit Unit
	proc Process
	done chan Outcome
}

// Done delivers exactly one Outcome.
func (h *Handle) Done() <-chan Outcome { return h.done }

// Wait returns the unit's Outcome, or an Outcome carrying ctx.Err() if ctx
// ends first. The unit keeps running in that case.
func (h *Handle) Wait(ctx context.Context) Outcome {
	select {
	case o := <-h.done:
		return o
	case <-ctx.Done():
		return Outcome{UnitID: h.Unit.ID, ExitCode: -1, Err: ctx.Err()}
	}
}

// Stop stops the unit with the given grace period.
func (h *Handle) Stop(ctx context.Context, grace time.Duration) error {
	return h.proc.Stop(ctx, grace)
}

// Launch validates spec, starts it on its backend and registers the unit.
// A failure here leaves no entry in the unit table.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	backend, ok := l.backends[spec.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, spec.Backend)
	}

	unitID := spec.Name
	if unitID == "" {
		unitID = "fedrun-" + shortID()
	}
	proc, err := backend.Start(ctx, unitID, spec)
	if err != nil {
		return nil, err
	}

	unit := Unit{
		ID:           unitID,
		RunID:        spec.RunID,
		ConsortiumID: spec.ConsortiumID,
		Backend:      backend.Name(),
		StartedAt:    l.now(),
	}
	l.units.Add(unit, proc)
	l.publishCount(unit.Backend)
	l.logger.Info("unit started",
		zap.String("unit_id", unitID),
		zap.String("backend", unit.Backend),
		zap.String("run_id", spec.RunID),
	)

	h := &Handle{Unit: unit, proc: proc, done: make(chan Outcome, 1)}
	go func() {
		code, tail, err := proc.Wait(context.WithoutCancel(ctx))
		l.units.Remove(unitID)
		l.publishCount(unit.Backend)

		out := Outcome{UnitID: unitID, ExitCode: code, Err: err, OutputTail: tail}
		if out.Err == nil && code != 0 {
			out.Err = fmt.Errorf("unit %s exited with code %d", unitID, code)
		}
		l.logger.Info("unit exited",
			zap.String("unit_id", unitID),
			zap.Int("exit_code", code),
			zap.Duration("uptime", l.now().Sub(unit.StartedAt)),
		)
		h.done <- out
	}()
	return h, nil
}

// Stop stops one registered unit.
func (l *Launcher) Stop(ctx context.Context, unitID string, grace time.Duration) error {
	proc, ok := l.units.process(unitID)
	if !ok {
		return ErrUnitNotFound
	}
	return proc.Stop(ctx, grace)
}

// StopAll stops every registered unit in parallel. A unit that does not stop
// within grace is killed; only kill failures are returned.
func (l *Launcher) StopAll(ctx context.Context, grace time.Duration) error {
	entries := l.units.snapshot()
	if len(entries) == 0 {
		return nil
	}
	l.logger.Info("stopping all units", zap.Int("count", len(entries)), zap.Duration("grace", grace))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+5*time.Second)
			defer cancel()
			err := e.proc.Stop(stopCtx, grace)
			if err == nil {
				return nil
			}
			l.logger.Warn("unit did not stop within grace, killing",
				zap.String("unit_id", e.unit.ID),
				zap.Error(err),
			)
			if kerr := e.proc.Kill(context.WithoutCancel(ctx)); kerr != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("kill %s: %w", e.unit.ID, kerr))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (l *Launcher) publishCount(backend string) {
	if l.observer != nil {
		l.observer.SetRunningUnits(backend, l.units.CountBackend(backend))
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
