package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Layout is the on-disk tree under a node's base directory:
//
//	{base}/{consortiumId}/mount_config.json
//	{base}/{consortiumId}/{runId}/runKit/
//	{base}/{consortiumId}/{runId}/results/
//	{base}/{consortiumId}/{runId}/provision/{input,output}/   (central only)
type Layout struct {
	Base string
}

func (l Layout) ConsortiumDir(consortiumID string) string {
	return filepath.Join(l.Base, consortiumID)
}

func (l Layout) RunDir(consortiumID, runID string) string {
	return filepath.Join(l.Base, consortiumID, runID)
}

func (l Layout) KitDir(consortiumID, runID string) string {
	return filepath.Join(l.RunDir(consortiumID, runID), "runKit")
}

func (l Layout) ResultsDir(consortiumID, runID string) string {
	return filepath.Join(l.RunDir(consortiumID, runID), "results")
}

func (l Layout) ProvisionInputDir(consortiumID, runID string) string {
	return filepath.Join(l.RunDir(consortiumID, runID), "provision", "input")
}

func (l Layout) ProvisionOutputDir(consortiumID, runID string) string {
	return filepath.Join(l.RunDir(consortiumID, runID), "provision", "output")
}

func (l Layout) MountConfigPath(consortiumID string) string {
	return filepath.Join(l.ConsortiumDir(consortiumID), "mount_config.json")
}

// Prepare creates the run's working tree.
func (l Layout) Prepare(consortiumID, runID string) error {
	if err := validSegment(consortiumID); err != nil {
		return err
	}
	if err := validSegment(runID); err != nil {
		return err
	}
	for _, dir := range []string{l.KitDir(consortiumID, runID), l.ResultsDir(consortiumID, runID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func validSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid path segment %q", s)
	}
	return nil
}

var (
	ErrMountNotConfigured = errors.New("no data mount configured for this consortium")
	ErrEmptyDataPath      = errors.New("configured data path is empty")
)

// MountConfig is a contributor's local data mapping for one consortium. It
// is reused across runs.
type MountConfig struct {
	DataPath string `json:"data_path" yaml:"data_path"`
	// ReadWrite mounts the data directory writable.
	ReadWrite bool `json:"read_write,omitempty" yaml:"read_write,omitempty"`
}

// ReadMountConfig loads the consortium's mount config. The file is JSON when
// written by the node; hand-edited YAML is accepted as well.
func (l Layout) ReadMountConfig(consortiumID string) (MountConfig, error) {
	var mc MountConfig
	raw, err := os.ReadFile(l.MountConfigPath(consortiumID))
	if errors.Is(err, fs.ErrNotExist) {
		return mc, fmt.Errorf("%w (consortium %s)", ErrMountNotConfigured, consortiumID)
	}
	if err != nil {
		return mc, err
	}
	if err := yaml.Unmarshal(raw, &mc); err != nil {
		return mc, fmt.Errorf("parse %s: %w", l.MountConfigPath(consortiumID), err)
	}
	mc.DataPath = strings.TrimSpace(mc.DataPath)
	if mc.DataPath == "" {
		return mc, fmt.Errorf("%w (consortium %s)", ErrEmptyDataPath, consortiumID)
	}
	return mc, nil
}

// WriteMountConfig stores mc for the consortium, creating directories.
func (l Layout) WriteMountConfig(consortiumID string, mc MountConfig) error {
	if err := validSegment(consortiumID); err != nil {
		return err
	}
	mc.DataPath = strings.TrimSpace(mc.DataPath)
	if mc.DataPath == "" {
		return ErrEmptyDataPath
	}
	abs, err := filepath.Abs(mc.DataPath)
	if err != nil {
		return err
	}
	mc.DataPath = abs

	if err := os.MkdirAll(l.ConsortiumDir(consortiumID), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(mc, "", "  ")
	if err != nil {
		return err
	}
	path := l.MountConfigPath(consortiumID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// hasEntries reports whether dir exists and is non-empty.
func hasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
