package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// TransferObserver receives byte counts; satisfied by metrics.Collector.
type TransferObserver interface {
	RecordTransfer(direction string, bytes int64)
}

// Service validates uploads before they reach a Backend.
type Service struct {
	backend  Backend
	spoolDir string
	maxBytes int64
	observer TransferObserver
	logger   *zap.Logger
}

type ServiceOption func(*Service)

// WithSpoolDir sets where uploads are staged while hashed. Defaults to os.TempDir.
func WithSpoolDir(dir string) ServiceOption { return func(s *Service) { s.spoolDir = dir } }

// WithMaxBytes bounds a single upload; 0 means unbounded.
func WithMaxBytes(n int64) ServiceOption { return func(s *Service) { s.maxBytes = n } }

func WithObserver(o TransferObserver) ServiceOption { return func(s *Service) { s.observer = o } }

func NewService(backend Backend, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{backend: backend, logger: logger.With(zap.String("component", "filestore"))}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Backend() Backend { return s.backend }

// Put stages body on disk, hashes it, rejects empty or oversized content and
// content whose digest differs from expectSHA256 (when given), then stores it.
func (s *Service) Put(ctx context.Context, key string, body io.Reader, expectSHA256 string) (ObjectInfo, error) {
	if err := validKey(key); err != nil {
		return ObjectInfo{}, err
	}

	spool, err := os.CreateTemp(s.spoolDir, "fedrun-upload-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	src := body
	if s.maxBytes > 0 {
		src = io.LimitReader(body, s.maxBytes+1)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(spool, h), src)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("receive upload: %w", err)
	}
	if n == 0 {
		return ObjectInfo{}, ErrEmptyUpload
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return ObjectInfo{}, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.maxBytes)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if expectSHA256 != "" && !strings.EqualFold(expectSHA256, digest) {
		return ObjectInfo{}, fmt.Errorf("%w: got %s", ErrDigestMismatch, digest)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return ObjectInfo{}, err
	}
	if err := s.backend.Put(ctx, key, spool, n, PutOptions{ContentType: archiveContentType, SHA256: digest}); err != nil {
		return ObjectInfo{}, err
	}
	if s.observer != nil {
		s.observer.RecordTransfer("in", n)
	}
	s.logger.Info("stored object", zap.String("key", key), zap.Int64("bytes", n), zap.String("sha256", digest))
	return ObjectInfo{Key: key, Size: n, SHA256: digest, ContentType: archiveContentType}, nil
}

// Open returns the object and its metadata. The caller closes the reader.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	rc, info, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	if s.observer != nil {
		s.observer.RecordTransfer("out", info.Size)
	}
	return rc, info, nil
}

// Ping implements a readiness check.
func (s *Service) Ping(ctx context.Context) error { return s.backend.Ping(ctx) }
