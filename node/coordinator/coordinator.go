package coordinator

import (
	"context"
	"errors"
	"strings"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/internal/eventbus"
	"github.com/BaSui01/fedrun/node/launcher"
	"github.com/BaSui01/fedrun/types"
)

// Coordinator handles the run-start topic of one node kind.
type Coordinator interface {
	Name() string
	Topic() string
	// Handle runs the whole pipeline for one event and returns when it ends.
	Handle(ctx context.Context, ev eventbus.Event) error
}

// UnitLauncher starts execution units.
type UnitLauncher interface {
	Launch(ctx context.Context, spec launcher.Spec) (*launcher.Handle, error)
}

// Transfer moves kits and results through file storage.
type Transfer interface {
	UploadKit(ctx context.Context, consortiumID, runID, userID, kitDir string) (*api.UploadResponse, error)
	DownloadKit(ctx context.Context, rawURL, token, destDir string) error
	UploadResults(ctx context.Context, consortiumID, runID, srcDir, token string) (*api.UploadResponse, error)
	DownloadResults(ctx context.Context, consortiumID, runID, destDir, token string) error
}

// RunCredentials mints run-scoped file credentials on demand. The credential
// carried by a run start event is short-lived and may lapse before results
// are moved.
type RunCredentials interface {
	RunToken(ctx context.Context, runID string) (string, error)
}

// Paths inside containers.
const (
	containerDataDir    = "/data"
	containerResultsDir = "/results"
)

// Environment passed to computation units.
const (
	EnvRunID        = launcher.EnvRunID
	EnvConsortiumID = launcher.EnvConsortiumID
	EnvDataDir      = "FEDRUN_DATA_DIR"
	EnvResultsDir   = "FEDRUN_RESULTS_DIR"
	EnvFLPort       = "FEDRUN_FL_PORT"
	EnvAdminPort    = "FEDRUN_ADMIN_PORT"
	EnvServerKit    = "FEDRUN_SERVER_KIT"
)

// supervise blocks until the unit ends and turns a failed outcome into an
// *ExecutionError.
func supervise(ctx context.Context, h *launcher.Handle) error {
	out := h.Wait(ctx)
	if out.Err == nil {
		return nil
	}
	return &ExecutionError{UnitID: out.UnitID, ExitCode: out.ExitCode, Tail: out.OutputTail, Err: out.Err}
}

// launchError classifies launcher failures. Runtime and image problems keep
// their sentinel text so the run's error list reads like the cause.
func launchError(err error) error {
	msg := "failed to launch unit"
	switch {
	case errors.Is(err, launcher.ErrRuntimeUnreachable):
		msg = "container runtime unreachable"
	case errors.Is(err, launcher.ErrImageNotFound):
		msg = "computation image not found"
	case errors.Is(err, launcher.ErrEmptyMountPath), errors.Is(err, launcher.ErrObserverDataMount):
		msg = "launch rejected"
	}
	return types.NewError(types.ErrLaunchFailed, msg).WithCause(err)
}

func shortRunID(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
