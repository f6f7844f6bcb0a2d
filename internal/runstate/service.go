package runstate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/eventbus"
	"github.com/BaSui01/fedrun/internal/telemetry"
	"github.com/BaSui01/fedrun/types"
)

// RoleLeader is the session role allowed to start and delete runs. The
// consortium leader is always accepted as well.
const RoleLeader = "leader"

// Publisher emits events. *eventbus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) eventbus.Event
}

// TokenIssuer mints per-member download credentials. *auth.Issuer implements it.
type TokenIssuer interface {
	IssueDownload(userID, consortiumID, runID string, ttl time.Duration) (string, error)
}

// TransitionObserver is told about every status change.
type TransitionObserver interface {
	RecordRunTransition(from, to string)
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Public base URL of the file-storage service.
	FileStorageURL   string
	DownloadTokenTTL time.Duration
	Metrics          TransitionObserver
	Now              func() time.Time
	NewID            func() string
}

// Service is the central run state machine.
type Service struct {
	store  Store
	bus    Publisher
	tokens TokenIssuer
	opts   ServiceOptions
	tracer trace.Tracer
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(store Store, bus Publisher, tokens TokenIssuer, opts ServiceOptions, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.DownloadTokenTTL <= 0 {
		opts.DownloadTokenTTL = 15 * time.Minute
	}
	opts.FileStorageURL = strings.TrimRight(opts.FileStorageURL, "/")
	return &Service{
		store:  store,
		bus:    bus,
		tokens: tokens,
		opts:   opts,
		tracer: otel.Tracer("fedrun/runstate"),
		logger: logger.With(zap.String("component", "runstate")),
	}
}

// =============================================================================
// Transitions
// =============================================================================

// StartRun creates a run for a consortium, snapshotting its study
// configuration and active members, and notifies the central launcher.
func (s *Service) StartRun(ctx context.Context, id auth.Identity, consortiumID string) (*Run, error) {
	ctx, span := s.tracer.Start(ctx, "runstate.StartRun",
		trace.WithAttributes(telemetry.ConsortiumIDKey.String(consortiumID)))
	defer span.End()

	c, err := s.consortium(ctx, consortiumID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if c.Leader != id.UserID {
		return nil, s.fail(span, forbidden("only the consortium leader can start a run"))
	}
	if !c.StudyConfiguration.Configured() {
		return nil, s.fail(span, invalid("consortium %s has no computation configured", consortiumID))
	}
	if len(c.ActiveMembers) == 0 {
		return nil, s.fail(span, invalid("consortium %s has no active members", consortiumID))
	}

	now := s.opts.Now().UTC()
	run := &Run{
		ID:                 s.opts.NewID(),
		ConsortiumID:       c.ID,
		StudyConfiguration: c.StudyConfiguration.clone(),
		Members:            slices.Clone(c.ActiveMembers),
		Status:             StatusProvisioning,
		CreatedAt:          now,
		LastUpdated:        now,
		Errors:             []RunError{},
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, s.fail(span, internal(err))
	}
	if err := s.store.SetLatestRun(ctx, c.ID, run.ID); err != nil {
		return nil, s.fail(span, internal(err))
	}
	span.SetAttributes(telemetry.RunIDKey.String(run.ID))
	s.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("consortium_id", run.ConsortiumID),
		zap.Strings("members", run.Members),
	)

	s.bus.Publish(ctx, eventbus.TopicRunStartCentral, map[string]any{
		"run_id":            run.ID,
		"consortium_id":     run.ConsortiumID,
		"members":           slices.Clone(run.Members),
		"computation_id":    run.StudyConfiguration.ComputationID,
		"computation_image": run.StudyConfiguration.ComputationImage,
		"parameters":        run.StudyConfiguration.Parameters,
		"member_roles":      roleMap(run),
	})
	s.bus.Publish(ctx, eventbus.TopicConsortiumChanged, map[string]any{
		"consortium_id": c.ID,
		"members":       consortiumAudience(c),
	})
	s.emitChanged(ctx, run)
	return run, nil
}

// MarkReady moves a provisioned run to in progress and notifies every member
// with its role and a personal download credential.
func (s *Service) MarkReady(ctx context.Context, id auth.Identity, runID string) (*Run, error) {
	ctx, span := s.tracer.Start(ctx, "runstate.MarkReady",
		trace.WithAttributes(telemetry.RunIDKey.String(runID)))
	defer span.End()

	if !id.Central {
		return nil, s.fail(span, forbidden("mark-ready requires the central credential"))
	}
	run, err := s.transition(ctx, runID, StatusInProgress, nil)
	if err != nil {
		return nil, s.fail(span, err)
	}

	for _, member := range run.Members {
		token, err := s.tokens.IssueDownload(member, run.ConsortiumID, run.ID, s.opts.DownloadTokenTTL)
		if err != nil {
			return nil, s.fail(span, internal(fmt.Errorf("issue download token for %s: %w", member, err)))
		}
		payload := map[string]any{
			"user_id":           member,
			"run_id":            run.ID,
			"consortium_id":     run.ConsortiumID,
			"download_url":      s.downloadURL(run.ConsortiumID, run.ID, member),
			"download_token":    token,
			"computation_id":    run.StudyConfiguration.ComputationID,
			"computation_image": run.StudyConfiguration.ComputationImage,
		}
		if role, ok := run.StudyConfiguration.RoleOf(member); ok {
			payload["role"] = string(role)
		}
		s.bus.Publish(ctx, eventbus.TopicRunStartParticipant, payload)
	}

	s.emitChanged(ctx, run)
	return run, nil
}

// ReportError appends an error and moves the run to error. Allowed for run
// members and the central credential.
func (s *Service) ReportError(ctx context.Context, id auth.Identity, runID, message string) (*Run, error) {
	ctx, span := s.tracer.Start(ctx, "runstate.ReportError",
		trace.WithAttributes(telemetry.RunIDKey.String(runID)))
	defer span.End()

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, s.fail(span, invalid("error message is required"))
	}
	run, err := s.transition(ctx, runID, StatusError, func(r *Run) error {
		if !id.Central && !r.IsMember(id.UserID) {
			return forbidden("user %s is not a member of run %s", id.UserID, r.ID)
		}
		r.Errors = append(r.Errors, RunError{
			User:      id.UserID,
			Message:   message,
			Timestamp: s.opts.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	s.logger.Warn("run error reported",
		zap.String("run_id", run.ID),
		zap.String("user_id", id.UserID),
		zap.String("message", message),
	)
	s.emitChanged(ctx, run)
	return run, nil
}

// ReportComplete marks a run complete. Central credential only.
func (s *Service) ReportComplete(ctx context.Context, id auth.Identity, runID string) (*Run, error) {
	ctx, span := s.tracer.Start(ctx, "runstate.ReportComplete",
		trace.WithAttributes(telemetry.RunIDKey.String(runID)))
	defer span.End()

	if !id.Central {
		return nil, s.fail(span, forbidden("report-complete requires the central credential"))
	}
	run, err := s.transition(ctx, runID, StatusComplete, nil)
	if err != nil {
		return nil, s.fail(span, err)
	}
	s.logger.Info("run complete", zap.String("run_id", run.ID))
	s.emitChanged(ctx, run)
	return run, nil
}

// ReportMetadata replaces the run's metadata blob. The last writer wins.
func (s *Service) ReportMetadata(ctx context.Context, id auth.Identity, runID string, metadata map[string]any) (*Run, error) {
	ctx, span := s.tracer.Start(ctx, "runstate.ReportMetadata",
		trace.WithAttributes(telemetry.RunIDKey.String(runID)))
	defer span.End()

	run, err := s.store.UpdateRun(ctx, runID, func(r *Run) error {
		if !id.Central && !r.IsMember(id.UserID) {
			return forbidden("user %s is not a member of run %s", id.UserID, r.ID)
		}
		if metadata == nil {
			r.Metadata = nil
		} else {
			r.Metadata = cloneMap(metadata)
		}
		r.LastUpdated = s.opts.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, s.fail(span, mapStoreErr(err, runID))
	}
	s.emitChanged(ctx, run)
	return run, nil
}

// IssueRunToken mints a fresh run-scoped file credential for a member. The
// credential sent with the run start event expires after DownloadTokenTTL;
// nodes call this before moving results so long runs still authenticate.
func (s *Service) IssueRunToken(ctx context.Context, id auth.Identity, runID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "runstate.IssueRunToken",
		trace.WithAttributes(telemetry.RunIDKey.String(runID)))
	defer span.End()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", s.fail(span, mapStoreErr(err, runID))
	}
	if id.Central || !run.IsMember(id.UserID) {
		return "", s.fail(span, forbidden("user %s is not a member of run %s", id.UserID, run.ID))
	}
	token, err := s.tokens.IssueDownload(id.UserID, run.ConsortiumID, run.ID, s.opts.DownloadTokenTTL)
	if err != nil {
		return "", s.fail(span, internal(fmt.Errorf("issue run token for %s: %w", id.UserID, err)))
	}
	return token, nil
}

// =============================================================================
// Queries
// =============================================================================

// GetRun returns a run visible to the caller.
func (s *Service) GetRun(ctx context.Context, id auth.Identity, runID string) (*Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, mapStoreErr(err, runID)
	}
	if err := s.canView(ctx, id, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns a consortium's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, id auth.Identity, consortiumID string) ([]*Run, error) {
	c, err := s.consortium(ctx, consortiumID)
	if err != nil {
		return nil, err
	}
	if !id.Central && !c.IsMember(id.UserID) {
		return nil, forbidden("user %s is not a member of consortium %s", id.UserID, consortiumID)
	}
	runs, err := s.store.ListRuns(ctx, consortiumID)
	if err != nil {
		return nil, internal(err)
	}
	return runs, nil
}

// LatestRun returns the run most recently started for a consortium.
func (s *Service) LatestRun(ctx context.Context, id auth.Identity, consortiumID string) (*Run, error) {
	c, err := s.consortium(ctx, consortiumID)
	if err != nil {
		return nil, err
	}
	if !id.Central && !c.IsMember(id.UserID) {
		return nil, forbidden("user %s is not a member of consortium %s", id.UserID, consortiumID)
	}
	if c.LatestRunID == "" {
		return nil, types.NewError(types.ErrNotFound, "consortium has no runs").WithHTTPStatus(http.StatusNotFound)
	}
	run, err := s.store.GetRun(ctx, c.LatestRunID)
	if err != nil {
		return nil, mapStoreErr(err, c.LatestRunID)
	}
	return run, nil
}

// DeleteRun removes a completed run. Leader only.
func (s *Service) DeleteRun(ctx context.Context, id auth.Identity, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mapStoreErr(err, runID)
	}
	c, err := s.consortium(ctx, run.ConsortiumID)
	if err != nil {
		return err
	}
	if c.Leader != id.UserID {
		return forbidden("only the consortium leader can delete a run")
	}
	if run.Status != StatusComplete {
		return types.Errorf(types.ErrConflict, "run %s is %s; only complete runs can be deleted", run.ID, run.Status).
			WithHTTPStatus(http.StatusConflict)
	}
	if err := s.store.DeleteRun(ctx, runID); err != nil {
		return mapStoreErr(err, runID)
	}
	s.logger.Info("run deleted", zap.String("run_id", runID), zap.String("user_id", id.UserID))
	s.emitChanged(ctx, run)
	return nil
}

// GetConsortium returns a consortium visible to the caller.
func (s *Service) GetConsortium(ctx context.Context, id auth.Identity, consortiumID string) (*Consortium, error) {
	c, err := s.consortium(ctx, consortiumID)
	if err != nil {
		return nil, err
	}
	if !id.Central && !c.IsMember(id.UserID) {
		return nil, forbidden("user %s is not a member of consortium %s", id.UserID, consortiumID)
	}
	return c, nil
}

// =============================================================================
// Internals
// =============================================================================

// transition moves a run to status `to`, applying extra inside the same
// atomic update.
func (s *Service) transition(ctx context.Context, runID string, to RunStatus, extra func(*Run) error) (*Run, error) {
	var from RunStatus
	run, err := s.store.UpdateRun(ctx, runID, func(r *Run) error {
		if extra != nil {
			if err := extra(r); err != nil {
				return err
			}
		}
		if !CanTransition(r.Status, to) {
			return types.Errorf(types.ErrInvalidTransition, "run %s cannot move from %s to %s", r.ID, r.Status, to).
				WithHTTPStatus(http.StatusConflict)
		}
		from = r.Status
		r.Status = to
		r.LastUpdated = s.opts.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err, runID)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRunTransition(string(from), string(to))
	}
	s.logger.Debug("run transition",
		zap.String("run_id", runID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return run, nil
}

func (s *Service) emitChanged(ctx context.Context, run *Run) {
	s.bus.Publish(ctx, eventbus.TopicRunChanged, map[string]any{
		"run_id":        run.ID,
		"consortium_id": run.ConsortiumID,
		"members":       slices.Clone(run.Members),
	})
	s.bus.Publish(ctx, eventbus.TopicLatestRunChanged, map[string]any{
		"consortium_id": run.ConsortiumID,
		"run_id":        run.ID,
		"members":       slices.Clone(run.Members),
	})
}

func (s *Service) canView(ctx context.Context, id auth.Identity, run *Run) error {
	if id.Central || run.IsMember(id.UserID) {
		return nil
	}
	c, err := s.consortium(ctx, run.ConsortiumID)
	if err != nil {
		return err
	}
	if c.IsMember(id.UserID) {
		return nil
	}
	return forbidden("user %s cannot view run %s", id.UserID, run.ID)
}

func (s *Service) consortium(ctx context.Context, id string) (*Consortium, error) {
	c, err := s.store.GetConsortium(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, types.Errorf(types.ErrNotFound, "consortium %s not found", id).
				WithHTTPStatus(http.StatusNotFound)
		}
		return nil, internal(err)
	}
	return c, nil
}

func (s *Service) downloadURL(consortiumID, runID, userID string) string {
	return fmt.Sprintf("%s/download/%s/%s/%s",
		s.opts.FileStorageURL,
		url.PathEscape(consortiumID),
		url.PathEscape(runID),
		url.PathEscape(userID),
	)
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func roleMap(run *Run) map[string]any {
	out := make(map[string]any, len(run.StudyConfiguration.MemberRoles))
	for user, role := range run.StudyConfiguration.MemberRoles {
		out[user] = string(role)
	}
	return out
}

func consortiumAudience(c *Consortium) []string {
	out := slices.Clone(c.Members)
	if c.Leader != "" && !slices.Contains(out, c.Leader) {
		out = append(out, c.Leader)
	}
	return out
}

func mapStoreErr(err error, runID string) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return types.Errorf(types.ErrNotFound, "run %s not found", runID).WithHTTPStatus(http.StatusNotFound)
	}
	return internal(err)
}

func forbidden(format string, args ...any) *types.Error {
	return types.Errorf(types.ErrForbidden, format, args...).WithHTTPStatus(http.StatusForbidden)
}

func invalid(format string, args ...any) *types.Error {
	return types.Errorf(types.ErrInvalidRequest, format, args...).WithHTTPStatus(http.StatusBadRequest)
}

func internal(err error) *types.Error {
	return types.NewError(types.ErrInternalError, "run store failure").
		WithCause(err).
		WithHTTPStatus(http.StatusInternalServerError)
}
