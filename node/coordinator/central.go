package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/internal/eventbus"
	"github.com/BaSui01/fedrun/node/launcher"
	"github.com/BaSui01/fedrun/types"
)

// ProvisioningInputFile is read by the provisioning container.
const ProvisioningInputFile = "provisioning_input.json"

// ServerKitDir is the provisioning output directory holding the FL server's
// own kit; every other directory is named after a member.
const ServerKitDir = "server"

const (
	provisionInputMount  = "/provision/input"
	provisionOutputMount = "/provision/output"
)

// ProvisioningInput is written for the provisioning container.
type ProvisioningInput struct {
	RunID            string            `json:"run_id"`
	ConsortiumID     string            `json:"consortium_id"`
	ComputationID    string            `json:"computation_id"`
	ComputationImage string            `json:"computation_image"`
	Members          []string          `json:"members"`
	MemberRoles      map[string]string `json:"member_roles"`
	FLPort           int               `json:"fl_port"`
	AdminPort        int               `json:"admin_port"`
	HostIdentifier   string            `json:"host_identifier"`
	Parameters       map[string]any    `json:"parameters,omitempty"`
}

// CentralConfig configures the central launcher.
type CentralConfig struct {
	Layout         Layout
	HostIdentifier string
	ProvisionImage string
	// StatusCommand prints the FL server status; empty disables progress.
	StatusCommand    []string
	ProgressInterval time.Duration
	ProgressDedupe   time.Duration
}

// CentralLauncher provisions runs, hosts the FL server and reports completion.
type CentralLauncher struct {
	cfg      CentralConfig
	reporter Reporter
	transfer Transfer
	units    UnitLauncher
	ports    *launcher.Ports
	observer StageObserver
	newProbe func(CentralStart, []int, string) StatusProbe
	logger   *zap.Logger
}

type CentralOption func(*CentralLauncher)

func WithCentralObserver(o StageObserver) CentralOption {
	return func(c *CentralLauncher) { c.observer = o }
}

// WithProbe overrides how the progress probe is built for a run. It receives
// the run, its reserved ports and the server kit directory.
func WithProbe(f func(run CentralStart, ports []int, serverKit string) StatusProbe) CentralOption {
	return func(c *CentralLauncher) { c.newProbe = f }
}

func NewCentralLauncher(cfg CentralConfig, reporter Reporter, transfer Transfer, units UnitLauncher, ports *launcher.Ports, logger *zap.Logger, opts ...CentralOption) *CentralLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ports == nil {
		ports = launcher.NewPorts(0, 0)
	}
	c := &CentralLauncher{
		cfg:      cfg,
		reporter: reporter,
		transfer: transfer,
		units:    units,
		ports:    ports,
		logger:   logger.With(zap.String("component", "central_launcher")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newProbe == nil && len(cfg.StatusCommand) > 0 {
		c.newProbe = func(run CentralStart, ports []int, serverKit string) StatusProbe {
			return CommandProbe{
				Command: cfg.StatusCommand,
				Timeout: 30 * time.Second,
				Env: map[string]string{
					EnvRunID:     run.RunID,
					EnvAdminPort: strconv.Itoa(ports[1]),
					EnvServerKit: serverKit,
				},
			}
		}
	}
	return c
}

func (c *CentralLauncher) Name() string  { return "central" }
func (c *CentralLauncher) Topic() string { return eventbus.TopicRunStartCentral }

type centralRun struct {
	start     CentralStart
	ports     []int
	serverKit string
	handle    *launcher.Handle
}

// Handle provisions the run, launches and supervises the FL server, then
// uploads the aggregate and reports completion.
func (c *CentralLauncher) Handle(ctx context.Context, ev eventbus.Event) error {
	start, err := ParseCentralStart(ev)
	if err != nil {
		c.logger.Error("rejecting malformed run start", zap.String("event_id", ev.ID), zap.Error(err))
		if start.RunID != "" {
			reportError(ctx, c.reporter, start.RunID, "run start rejected: "+err.Error(), c.logger)
		}
		return err
	}
	run := &centralRun{start: start}
	defer func() {
		if len(run.ports) > 0 {
			c.ports.Release(run.ports...)
		}
	}()

	c.logger.Info("run start received",
		zap.String("run_id", start.RunID),
		zap.String("consortium_id", start.ConsortiumID),
		zap.Strings("members", start.Members),
	)
	p := &Pipeline{
		Name:     c.Name(),
		RunID:    start.RunID,
		Reporter: c.reporter,
		Observer: c.observer,
		Logger:   c.logger,
		Stages: []Stage{
			{Name: "provision", Run: func(ctx context.Context) error { return c.provision(ctx, run) }},
			{Name: "upload kits", Run: func(ctx context.Context) error { return c.uploadKits(ctx, run) }},
			{Name: "mark ready", Run: func(ctx context.Context) error { return c.reporter.MarkReady(ctx, start.RunID) }},
			{Name: "launch server", Run: func(ctx context.Context) error { return c.launchServer(ctx, run) }},
			{Name: "supervise", Run: func(ctx context.Context) error { return c.supervise(ctx, run) }},
			{Name: "upload results", Run: func(ctx context.Context) error { return c.uploadResults(ctx, run) }},
			{Name: "complete", Run: func(ctx context.Context) error { return c.reporter.ReportComplete(ctx, start.RunID) }},
		},
	}
	return p.Run(ctx)
}

func (c *CentralLauncher) provision(ctx context.Context, run *centralRun) error {
	s := run.start
	if c.cfg.ProvisionImage == "" {
		return types.NewError(types.ErrProvisioningFailed, "no provisioning image configured")
	}
	if err := c.cfg.Layout.Prepare(s.ConsortiumID, s.RunID); err != nil {
		return types.NewError(types.ErrProvisioningFailed, "failed to create run directory").WithCause(err)
	}

	ports, err := c.ports.Reserve(2)
	if err != nil {
		return types.NewError(types.ErrProvisioningFailed, "failed to reserve server ports").WithCause(err)
	}
	run.ports = ports

	inDir := c.cfg.Layout.ProvisionInputDir(s.ConsortiumID, s.RunID)
	outDir := c.cfg.Layout.ProvisionOutputDir(s.ConsortiumID, s.RunID)
	for _, dir := range []string{inDir, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.NewError(types.ErrProvisioningFailed, "failed to create provisioning directory").WithCause(err)
		}
	}

	roles := make(map[string]string, len(s.Members))
	for _, m := range s.Members {
		roles[m] = string(s.RoleOf(m))
	}
	input := ProvisioningInput{
		RunID:            s.RunID,
		ConsortiumID:     s.ConsortiumID,
		ComputationID:    s.ComputationID,
		ComputationImage: s.ComputationImage,
		Members:          s.Members,
		MemberRoles:      roles,
		FLPort:           ports[0],
		AdminPort:        ports[1],
		HostIdentifier:   c.cfg.HostIdentifier,
		Parameters:       s.Parameters,
	}
	raw, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return types.NewError(types.ErrProvisioningFailed, "failed to encode provisioning input").WithCause(err)
	}
	if err := os.WriteFile(filepath.Join(inDir, ProvisioningInputFile), raw, 0o644); err != nil {
		return types.NewError(types.ErrProvisioningFailed, "failed to write provisioning input").WithCause(err)
	}

	h, err := c.units.Launch(ctx, launcher.Spec{
		Backend: launcher.BackendDocker,
		Image:   c.cfg.ProvisionImage,
		Name:    "fedrun-provision-" + shortRunID(s.RunID),
		Mounts: []launcher.Mount{
			{Host: inDir, Container: provisionInputMount, ReadOnly: true},
			{Host: outDir, Container: provisionOutputMount},
		},
		Env: map[string]string{
			"FEDRUN_PROVISION_INPUT":  provisionInputMount + "/" + ProvisioningInputFile,
			"FEDRUN_PROVISION_OUTPUT": provisionOutputMount,
		},
		RunID:        s.RunID,
		ConsortiumID: s.ConsortiumID,
	})
	if err != nil {
		return launchError(err)
	}
	if err := supervise(ctx, h); err != nil {
		return types.NewError(types.ErrProvisioningFailed, "provisioning container failed").WithCause(err)
	}

	for _, m := range s.Members {
		if !hasEntries(filepath.Join(outDir, m)) {
			return types.Errorf(types.ErrProvisioningFailed, "provisioning produced no kit for %s", m)
		}
	}
	run.serverKit = filepath.Join(outDir, ServerKitDir)
	if !hasEntries(run.serverKit) {
		return types.NewError(types.ErrProvisioningFailed, "provisioning produced no server kit")
	}
	c.logger.Info("run provisioned",
		zap.String("run_id", s.RunID),
		zap.Ints("ports", ports),
	)
	return nil
}

func (c *CentralLauncher) uploadKits(ctx context.Context, run *centralRun) error {
	s := run.start
	outDir := c.cfg.Layout.ProvisionOutputDir(s.ConsortiumID, s.RunID)
	for _, m := range s.Members {
		if _, err := c.transfer.UploadKit(ctx, s.ConsortiumID, s.RunID, m, filepath.Join(outDir, m)); err != nil {
			return err
		}
	}
	return nil
}

func (c *CentralLauncher) launchServer(ctx context.Context, run *centralRun) error {
	s := run.start
	h, err := c.units.Launch(ctx, launcher.Spec{
		Backend: launcher.BackendDocker,
		Image:   s.ComputationImage,
		Path:    run.serverKit,
		Name:    "fedrun-server-" + shortRunID(s.RunID),
		Ports:   run.ports,
		Mounts: []launcher.Mount{
			{Host: c.cfg.Layout.ResultsDir(s.ConsortiumID, s.RunID), Container: containerResultsDir},
		},
		Env: map[string]string{
			EnvRunID:        s.RunID,
			EnvConsortiumID: s.ConsortiumID,
			EnvFLPort:       strconv.Itoa(run.ports[0]),
			EnvAdminPort:    strconv.Itoa(run.ports[1]),
			EnvResultsDir:   containerResultsDir,
		},
		RunID:        s.RunID,
		ConsortiumID: s.ConsortiumID,
	})
	if err != nil {
		return launchError(err)
	}
	run.handle = h
	return nil
}

// supervise waits for the FL server while the progress watcher runs beside
// it. Watcher failures only reach the log.
func (c *CentralLauncher) supervise(ctx context.Context, run *centralRun) error {
	if c.newProbe == nil {
		return supervise(ctx, run.handle)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher := NewProgressWatcher(
		c.newProbe(run.start, run.ports, run.serverKit),
		c.reporter,
		c.cfg.ProgressInterval,
		c.logger,
		WithDedupeWindow(c.progressDedupe()),
	)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watcher.Watch(watchCtx, run.start.RunID)
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-watchCtx.Done():
				return
			case err := <-watcher.Errors():
				c.logger.Warn("progress watcher error", zap.String("run_id", run.start.RunID), zap.Error(err))
			}
		}
	}()

	err := supervise(ctx, run.handle)
	cancel()
	wg.Wait()
	return err
}

func (c *CentralLauncher) progressDedupe() time.Duration {
	if c.cfg.ProgressDedupe > 0 {
		return c.cfg.ProgressDedupe
	}
	return time.Minute
}

func (c *CentralLauncher) uploadResults(ctx context.Context, run *centralRun) error {
	s := run.start
	dir := c.cfg.Layout.ResultsDir(s.ConsortiumID, s.RunID)
	if !hasEntries(dir) {
		c.logger.Warn("server produced no results", zap.String("run_id", s.RunID))
		return nil
	}
	if _, err := c.transfer.UploadResults(ctx, s.ConsortiumID, s.RunID, dir, ""); err != nil {
		return fmt.Errorf("aggregate upload: %w", err)
	}
	return nil
}
