// Package coordinator reacts to run-start notifications on a node. Each run
// is driven through a strictly sequential Pipeline whose first failing stage
// is reported to the central authority exactly once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/internal/telemetry"
	"github.com/BaSui01/fedrun/types"
)

// Reporter is the subset of the central API a coordinator reports through.
type Reporter interface {
	MarkReady(ctx context.Context, runID string) error
	ReportError(ctx context.Context, runID, message string) error
	ReportComplete(ctx context.Context, runID string) error
	ReportMetadata(ctx context.Context, runID string, metadata map[string]any) error
}

// StageObserver records failed stages.
type StageObserver interface {
	RecordStageFailure(coordinator, stage string)
}

// Stage is one step of a run pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// StageError is returned by Pipeline.Run for the failing stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// maxReportedMessage bounds the error text sent to central.
const maxReportedMessage = 4096

// Pipeline runs stages in order and stops at the first failure.
type Pipeline struct {
	Name     string
	RunID    string
	Stages   []Stage
	Reporter Reporter
	Observer StageObserver
	Logger   *zap.Logger
}

// Run executes every stage. On failure it sends one ReportError carrying the
// stage name and error text, then returns a *StageError. A failed report is
// logged; the stage error is still returned.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", p.RunID), zap.String("pipeline", p.Name))

	start := time.Now()
	for _, stage := range p.Stages {
		stageStart := time.Now()
		stageCtx, span := telemetry.StartStage(ctx, p.Name, p.RunID, stage.Name)
		err := stage.Run(stageCtx)
		telemetry.End(span, err)
		if err == nil {
			logger.Debug("stage done", zap.String("stage", stage.Name), zap.Duration("took", time.Since(stageStart)))
			continue
		}

		serr := &StageError{Stage: stage.Name, Err: err}
		logger.Error("stage failed", zap.String("stage", stage.Name), zap.Error(err))
		if p.Observer != nil {
			p.Observer.RecordStageFailure(p.Name, stage.Name)
		}
		reportError(ctx, p.Reporter, p.RunID, reportMessage(serr), logger)
		return serr
	}
	logger.Info("pipeline finished", zap.Duration("took", time.Since(start)))
	return nil
}

// reportError sends one error report for runID. The run context may be gone
// after a forced stop, so the report gets its own deadline.
func reportError(ctx context.Context, reporter Reporter, runID, msg string, logger *zap.Logger) {
	if reporter == nil {
		return
	}
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := reporter.ReportError(reportCtx, runID, msg); err != nil {
		logger.Warn("failed to report run error", zap.Error(err))
	}
}

// reportMessage renders err for the run's error list. Execution failures
// carry the unit's output tail.
func reportMessage(err *StageError) string {
	msg := err.Error()
	var ee *ExecutionError
	if errors.As(err, &ee) && ee.Tail != "" {
		msg += "\n" + ee.Tail
	}
	if len(msg) > maxReportedMessage {
		cut := len(msg) - maxReportedMessage
		for cut < len(msg) && !utf8.RuneStart(msg[cut]) {
			cut++
		}
		msg = msg[cut:]
	}
	return strings.TrimSpace(msg)
}

// ExecutionError is a unit that exited unsuccessfully.
type ExecutionError struct {
	UnitID   string
	ExitCode int
	Tail     string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode < 0 && e.Err != nil {
		return fmt.Sprintf("unit %s failed: %v", e.UnitID, e.Err)
	}
	return fmt.Sprintf("unit %s exited with code %d", e.UnitID, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error {
	return types.NewError(types.ErrExecutionFailed, e.Error()).WithCause(e.Err)
}
