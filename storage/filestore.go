package storage

import (
	"context"
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	retry "github.com/sethvargo/go-retry"
	"github.com/virtstor/virtstor"
)

// FileStore keeps one metadata file per volume under
// <root>/<domain>/images/<image>/<volume>.meta, next to the volume data file
// <root>/<domain>/images/<image>/<volume>. Writes are atomic tmp+rename with
// a directory fsync, so a crashed host never leaves a half-written record
// for the others to read.
type FileStore struct {
	domain DomainInfo
	root   string
}

// NewFileStore returns a store over the repo root for the given file domain.
func NewFileStore(root string, domain DomainInfo) *FileStore {
	return &FileStore{domain: domain, root: root}
}

func (s *FileStore) Domain() DomainInfo {
	return s.domain
}

// Root returns the repository mount point the store was built over.
func (s *FileStore) Root() string {
	return s.root
}

// ImagesDir returns the directory holding the domain's image trees.
func (s *FileStore) ImagesDir() string {
	return filepath.Join(s.root, s.domain.ID.String(), "images")
}

func (s *FileStore) imageDir(img virtstor.UUID) string {
	return filepath.Join(s.ImagesDir(), img.String())
}

func (s *FileStore) metaPath(img, vol virtstor.UUID) string {
	return filepath.Join(s.imageDir(img), vol.String()+metaSuffix)
}

const metaSuffix = ".meta"

func (s *FileStore) Path(img, vol virtstor.UUID) string {
	return filepath.Join(s.imageDir(img), vol.String())
}

func (s *FileStore) Load(ctx context.Context, img, vol virtstor.UUID) (Meta, error) {
	// Shared-storage reads hit NFS hiccups; transient failures are retried,
	// a missing file is an answer.
	var data []byte
	err := virtstor.Retry(ctx, func(context.Context) error {
		var rerr error
		data, rerr = os.ReadFile(s.metaPath(img, vol))
		if virtstor.ShouldRetry(rerr) {
			return retry.RetryableError(rerr)
		}
		return rerr
	}, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("%w: %s/%s", ErrMetadataNotFound, img, vol)
		}
		return Meta{}, fmt.Errorf("reading metadata of %s/%s: %w", img, vol, err)
	}
	m, err := DecodeMeta(data)
	if err != nil {
		return Meta{}, fmt.Errorf("decoding metadata of %s/%s: %w", img, vol, err)
	}
	m.Volume = vol
	return m, nil
}

func (s *FileStore) Save(ctx context.Context, m Meta) error {
	dir := s.imageDir(m.Image)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating image dir %s: %w", dir, err)
	}
	final := s.metaPath(m.Image, m.Volume)
	tmp := final + ".tmp"
	data := EncodeMeta(m)
	// The tmp write and the rename both touch shared storage; transient
	// failures are retried as a unit, restarting from a fresh tmp file.
	if err := virtstor.Retry(ctx, func(context.Context) error {
		if werr := writeFileSynced(tmp, data); werr != nil {
			werr = fmt.Errorf("writing metadata of %s/%s: %w", m.Image, m.Volume, werr)
			if virtstor.ShouldRetry(werr) {
				return retry.RetryableError(werr)
			}
			return werr
		}
		if rerr := os.Rename(tmp, final); rerr != nil {
			_ = os.Remove(tmp)
			rerr = fmt.Errorf("committing metadata of %s/%s: %w", m.Image, m.Volume, rerr)
			if virtstor.ShouldRetry(rerr) {
				return retry.RetryableError(rerr)
			}
			return rerr
		}
		return nil
	}, nil); err != nil {
		return err
	}
	if err := syncDir(dir); err != nil {
		// The rename is durable on most filesystems without this; log and
		// carry on rather than fail the mutation.
		log.Warn("fsync of image dir failed", "dir", dir, "error", err.Error())
	}
	return nil
}

func (s *FileStore) ListImage(ctx context.Context, img virtstor.UUID) ([]Meta, error) {
	entries, err := os.ReadDir(s.imageDir(img))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing image %s: %w", img, err)
	}

	var mu sync.Mutex
	var metas []Meta
	tr := virtstor.NewTaskRunner(ctx, 10)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		vol, err := virtstor.ParseUUID(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			log.Warn("skipping stray metadata file", "image", img.String(), "file", name)
			continue
		}
		tr.Go(func() error {
			m, err := s.Load(tr.GetContext(), img, vol)
			if err != nil {
				return err
			}
			if m.Removed {
				return nil
			}
			mu.Lock()
			metas = append(metas, m)
			mu.Unlock()
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Volume.Compare(metas[j].Volume) < 0 })
	return metas, nil
}

func (s *FileStore) Discard(ctx context.Context, img, vol virtstor.UUID) error {
	if err := requireStructural(s.domain, vol, "discard"); err != nil {
		return err
	}
	m, err := s.Load(ctx, img, vol)
	if err != nil {
		return err
	}
	m.Removed = true
	return s.Save(ctx, m)
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
