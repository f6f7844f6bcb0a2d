package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskBackend stores objects as files under a root directory, each with a
// small JSON sidecar carrying its metadata.
type DiskBackend struct {
	root string
}

type diskMeta struct {
	ContentType string `json:"content_type,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
}

func NewDiskBackend(root string) (*DiskBackend, error) {
	if root == "" {
		return nil, errors.New("filestore: disk root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &DiskBackend{root: root}, nil
}

func (d *DiskBackend) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(key)), nil
}

func (d *DiskBackend) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("write %s: short write %d of %d bytes", key, n, size)
	}

	meta, _ := json.Marshal(diskMeta{ContentType: opts.ContentType, SHA256: opts.SHA256})
	if err := os.WriteFile(p+".meta", meta, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (d *DiskBackend) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := d.Stat(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	p, _ := d.path(key)
	f, err := os.Open(p)
	if err != nil {
		return nil, ObjectInfo{}, mapFSErr(err)
	}
	return f, info, nil
}

func (d *DiskBackend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	p, err := d.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return ObjectInfo{}, mapFSErr(err)
	}
	if st.IsDir() {
		return ObjectInfo{}, ErrObjectNotFound
	}
	info := ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime().UTC()}
	if raw, err := os.ReadFile(p + ".meta"); err == nil {
		var m diskMeta
		if json.Unmarshal(raw, &m) == nil {
			info.SHA256 = m.SHA256
			info.ContentType = m.ContentType
		}
	}
	return info, nil
}

func (d *DiskBackend) Delete(ctx context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	_ = os.Remove(p + ".meta")
	if err := os.Remove(p); err != nil {
		return mapFSErr(err)
	}
	return nil
}

func (d *DiskBackend) Ping(ctx context.Context) error {
	st, err := os.Stat(d.root)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("storage root %s is not a directory", d.root)
	}
	return nil
}

func mapFSErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrObjectNotFound
	}
	return err
}
