package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrObjectNotFound = errors.New("filestore: object not found")
	ErrEmptyUpload    = errors.New("filestore: zero-byte upload")
	ErrDigestMismatch = errors.New("filestore: sha256 mismatch")
	ErrInvalidKey     = errors.New("filestore: invalid key")
	ErrTooLarge       = errors.New("filestore: upload too large")
)

// Backend abstracts where archives live.
type Backend interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	// Ping checks the backend is usable; used by readiness probes.
	Ping(ctx context.Context) error
}

type PutOptions struct {
	ContentType string
	SHA256      string
}

type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

const archiveContentType = "application/gzip"

// KitKey is where the run kit for one participant is stored.
func KitKey(consortiumID, runID, userID string) (string, error) {
	return joinKey(consortiumID, runID, "kits", userID+".tar.gz")
}

// ResultsKey is the aggregate result archive of a run.
func ResultsKey(consortiumID, runID string) (string, error) {
	return joinKey(consortiumID, runID, "results", "aggregate.tar.gz")
}

// MemberResultsKey holds results a participant uploaded for itself.
func MemberResultsKey(consortiumID, runID, userID string) (string, error) {
	return joinKey(consortiumID, runID, "results", "members", userID+".tar.gz")
}

func joinKey(parts ...string) (string, error) {
	for _, p := range parts {
		if err := validSegment(p); err != nil {
			return "", err
		}
	}
	return strings.Join(parts, "/"), nil
}

func validSegment(s string) error {
	switch {
	case s == "" || s == "." || s == ".." || s == ".tar.gz":
		return fmt.Errorf("%w: segment %q", ErrInvalidKey, s)
	case strings.ContainsAny(s, `/\`) || strings.Contains(s, "\x00"):
		return fmt.Errorf("%w: segment %q", ErrInvalidKey, s)
	}
	return nil
}

// validKey guards backends against keys not built by the helpers above.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if err := validSegment(seg); err != nil {
			return err
		}
	}
	return nil
}
