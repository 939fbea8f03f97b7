package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/jacktea/pixstore/pkg/encryption"
	"github.com/jacktea/pixstore/pkg/xerrors"
)

// PathStore persists blobs on the local filesystem.
type PathStore struct {
	root string
	enc  encryption.Options
}

// NewPathStore returns a Store rooted at root. Blobs are sealed with enc when enabled.
func NewPathStore(root string, enc encryption.Options) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := enc.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "PathStore", root, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: root, enc: enc}, nil
}

func (p *PathStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (Metadata, error) {
	if err := CheckKey("PathStore.Put", key); err != nil {
		return Metadata{}, err
	}
	data, err := ReadAll("PathStore.Put", key, r, size, opts)
	if err != nil {
		return Metadata{}, err
	}
	meta := Metadata{Key: key, Size: int64(len(data))}
	finalPath := p.pathForKey(key)
	if _, err := os.Stat(finalPath); err == nil {
		return meta, nil
	} else if !os.IsNotExist(err) {
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "PathStore.Put", key, err)
	}
	payload, err := encryption.Encrypt(data, p.enc)
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "PathStore.Put", key, err)
	}
	if err := p.writeAtomic(finalPath, payload); err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "PathStore.Put", key, err)
	}
	return meta, nil
}

// writeAtomic lands payload at finalPath via a synced temp file so readers
// never observe a partial blob.
func (p *PathStore) writeAtomic(finalPath string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}
	file, err := os.CreateTemp(filepath.Dir(finalPath), ".upload-*")
	if err != nil {
		return err
	}
	tmpName := file.Name()
	if _, err := file.Write(payload); err != nil {
		file.Close()
		os.Remove(tmpName)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpName)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (p *PathStore) Get(ctx context.Context, key string) (io.ReadCloser, Metadata, error) {
	if err := CheckKey("PathStore.Get", key); err != nil {
		return nil, Metadata{}, err
	}
	f, err := os.Open(p.pathForKey(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Metadata{}, notFound("PathStore.Get", key)
	}
	if err != nil {
		return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, "PathStore.Get", key, err)
	}
	if !p.enc.Enabled() {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, "PathStore.Get", key, err)
		}
		return f, Metadata{Key: key, Size: info.Size()}, nil
	}
	defer f.Close()
	sealed, err := io.ReadAll(f)
	if err != nil {
		return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, "PathStore.Get", key, err)
	}
	data, err := encryption.Decrypt(sealed, p.enc)
	if err != nil {
		return nil, Metadata{}, xerrors.Wrap(xerrors.KindInternal, "PathStore.Get", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), Metadata{Key: key, Size: int64(len(data))}, nil
}

func (p *PathStore) Head(ctx context.Context, key string) (Metadata, error) {
	if err := CheckKey("PathStore.Head", key); err != nil {
		return Metadata{}, err
	}
	info, err := os.Stat(p.pathForKey(key))
	if errors.Is(err, os.ErrNotExist) {
		return Metadata{}, notFound("PathStore.Head", key)
	}
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "PathStore.Head", key, err)
	}
	return Metadata{Key: key, Size: info.Size() - int64(encryption.Overhead(p.enc.Method))}, nil
}

func (p *PathStore) pathForKey(key string) string {
	if len(key) < 4 {
		return filepath.Join(p.root, key)
	}
	return filepath.Join(p.root, key[:2], key[2:4], key)
}
