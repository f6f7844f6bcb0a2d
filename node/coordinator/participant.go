package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/internal/eventbus"
	"github.com/BaSui01/fedrun/node/launcher"
	"github.com/BaSui01/fedrun/node/role"
	"github.com/BaSui01/fedrun/types"
)

// ParticipantConfig configures an edge or vault node.
type ParticipantConfig struct {
	Layout Layout
	// Kind is the node's own variant. A kit resolving to the other role is
	// handled by that role's path.
	Kind role.Role
	// UserID, when set, drops events addressed to anybody else.
	UserID string
}

// Participant runs the contributor and observer pipelines.
type Participant struct {
	cfg      ParticipantConfig
	reporter Reporter
	transfer Transfer
	units    UnitLauncher
	resolver *role.Resolver
	observer StageObserver
	creds    RunCredentials
	logger   *zap.Logger
}

type ParticipantOption func(*Participant)

func WithResolver(r *role.Resolver) ParticipantOption {
	return func(p *Participant) { p.resolver = r }
}

func WithParticipantObserver(o StageObserver) ParticipantOption {
	return func(p *Participant) { p.observer = o }
}

// WithRunCredentials fetches a fresh run credential before results move.
// Without it the kit credential from the start event is reused.
func WithRunCredentials(c RunCredentials) ParticipantOption {
	return func(p *Participant) { p.creds = c }
}

func NewParticipant(cfg ParticipantConfig, reporter Reporter, transfer Transfer, units UnitLauncher, logger *zap.Logger, opts ...ParticipantOption) *Participant {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Kind == "" {
		cfg.Kind = role.Default
	}
	p := &Participant{
		cfg:      cfg,
		reporter: reporter,
		transfer: transfer,
		units:    units,
		resolver: role.NewResolver(),
		logger:   logger.With(zap.String("component", "participant"), zap.String("kind", string(cfg.Kind))),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Participant) Name() string {
	if p.cfg.Kind == role.Contributor {
		return "edge"
	}
	return "vault"
}

func (p *Participant) Topic() string { return eventbus.TopicRunStartParticipant }

type participantRun struct {
	start  ParticipantStart
	role   role.Role
	handle *launcher.Handle
}

// Handle downloads the kit, resolves the role and runs the matching variant.
func (p *Participant) Handle(ctx context.Context, ev eventbus.Event) error {
	start, err := ParseParticipantStart(ev)
	if p.cfg.UserID != "" && start.UserID != "" && start.UserID != p.cfg.UserID {
		p.logger.Debug("run start addressed to another user", zap.String("user_id", start.UserID))
		return nil
	}
	if err != nil {
		p.logger.Error("rejecting malformed run start", zap.String("event_id", ev.ID), zap.Error(err))
		if start.RunID != "" {
			reportError(ctx, p.reporter, start.RunID, "run start rejected: "+err.Error(), p.logger)
		}
		return err
	}

	run := &participantRun{start: start}
	layout := p.cfg.Layout
	c, r := start.ConsortiumID, start.RunID
	pl := &Pipeline{
		Name:     p.Name(),
		RunID:    r,
		Reporter: p.reporter,
		Observer: p.observer,
		Logger:   p.logger,
		Stages: []Stage{
			{Name: "prepare", Run: func(context.Context) error {
				if err := layout.Prepare(c, r); err != nil {
					return types.NewError(types.ErrProvisioningFailed, "failed to create run directory").WithCause(err)
				}
				return nil
			}},
			{Name: "download kit", Run: func(ctx context.Context) error {
				return p.transfer.DownloadKit(ctx, start.DownloadURL, start.DownloadToken, layout.KitDir(c, r))
			}},
			{Name: "resolve role", Run: func(context.Context) error {
				p.resolveRole(run)
				return nil
			}},
			{Name: "launch", Run: func(ctx context.Context) error { return p.launch(ctx, run) }},
			{Name: "supervise", Run: func(ctx context.Context) error { return supervise(ctx, run.handle) }},
			{Name: "transfer results", Run: func(ctx context.Context) error { return p.transferResults(ctx, run) }},
		},
	}
	return pl.Run(ctx)
}

func (p *Participant) resolveRole(run *participantRun) {
	s := run.start
	res := p.resolver.Resolve(p.cfg.Layout.KitDir(s.ConsortiumID, s.RunID))
	for _, skipped := range res.Skipped {
		p.logger.Warn("skipped role declaration", zap.String("run_id", s.RunID), zap.Error(skipped))
	}
	run.role = res.Role

	fields := []zap.Field{
		zap.String("run_id", s.RunID),
		zap.String("role", string(res.Role)),
		zap.String("source", res.Source),
	}
	if s.DeclaredRole != "" && s.DeclaredRole != res.Role {
		p.logger.Warn("kit role differs from the role announced by central; using the kit", fields...)
	}
	if res.Role != p.cfg.Kind {
		p.logger.Info("delegating run to the other participant variant", fields...)
		return
	}
	p.logger.Info("role resolved", fields...)
}

func (p *Participant) launch(ctx context.Context, run *participantRun) error {
	var (
		spec launcher.Spec
		err  error
	)
	if run.role == role.Contributor {
		spec, err = p.contributorSpec(run)
	} else {
		spec = p.observerSpec(run)
	}
	if err != nil {
		return err
	}
	h, err := p.units.Launch(ctx, spec)
	if err != nil {
		return launchError(err)
	}
	run.handle = h
	return nil
}

// contributorSpec mounts the consortium's configured data path. A missing or
// empty mapping fails the run before anything is launched.
func (p *Participant) contributorSpec(run *participantRun) (launcher.Spec, error) {
	s := run.start
	layout := p.cfg.Layout
	mc, err := layout.ReadMountConfig(s.ConsortiumID)
	if err != nil {
		return launcher.Spec{}, types.NewError(types.ErrProvisioningFailed, "data mount not configured").WithCause(err)
	}
	if s.ComputationImage == "" {
		return launcher.Spec{}, types.NewError(types.ErrProvisioningFailed, "run start carries no computation image")
	}
	return launcher.Spec{
		Backend: launcher.BackendDocker,
		Image:   s.ComputationImage,
		Path:    layout.KitDir(s.ConsortiumID, s.RunID),
		Role:    role.Contributor,
		Mounts: []launcher.Mount{
			{Host: mc.DataPath, Container: containerDataDir, ReadOnly: !mc.ReadWrite, Data: true},
			{Host: layout.ResultsDir(s.ConsortiumID, s.RunID), Container: containerResultsDir},
		},
		Env: map[string]string{
			EnvRunID:        s.RunID,
			EnvConsortiumID: s.ConsortiumID,
			EnvDataDir:      containerDataDir,
			EnvResultsDir:   containerResultsDir,
		},
		RunID:        s.RunID,
		ConsortiumID: s.ConsortiumID,
	}, nil
}

func (p *Participant) observerSpec(run *participantRun) launcher.Spec {
	s := run.start
	layout := p.cfg.Layout
	return launcher.Spec{
		Backend: launcher.BackendProcess,
		Path:    layout.KitDir(s.ConsortiumID, s.RunID),
		Role:    role.Observer,
		Env: map[string]string{
			EnvResultsDir: layout.ResultsDir(s.ConsortiumID, s.RunID),
		},
		RunID:        s.RunID,
		ConsortiumID: s.ConsortiumID,
	}
}

// transferResults uploads a contributor's own output, if any, or pulls the
// aggregate for an observer.
func (p *Participant) transferResults(ctx context.Context, run *participantRun) error {
	s := run.start
	dir := p.cfg.Layout.ResultsDir(s.ConsortiumID, s.RunID)
	if run.role == role.Contributor {
		if !hasEntries(dir) {
			return nil
		}
		if _, err := p.transfer.UploadResults(ctx, s.ConsortiumID, s.RunID, dir, p.resultsToken(ctx, s)); err != nil {
			return fmt.Errorf("member results upload: %w", err)
		}
		return nil
	}
	return p.transfer.DownloadResults(ctx, s.ConsortiumID, s.RunID, dir, p.resultsToken(ctx, s))
}

// resultsToken returns a freshly minted run credential, falling back to the
// kit credential when none can be obtained.
func (p *Participant) resultsToken(ctx context.Context, s ParticipantStart) string {
	if p.creds == nil {
		return s.DownloadToken
	}
	token, err := p.creds.RunToken(ctx, s.RunID)
	if err != nil {
		p.logger.Warn("could not refresh run credential; using the kit credential",
			zap.String("run_id", s.RunID), zap.Error(err))
		return s.DownloadToken
	}
	return token
}
