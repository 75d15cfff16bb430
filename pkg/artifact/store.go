// Package artifact keeps snapshot envelopes and their metadata as files in
// one directory.
package artifact

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/japinder12/snapvault/pkg/snapshot"
)

const (
	envelopeSuffix = ".snapshot"
	metadataSuffix = ".metadata.json"
)

// Store persists artifacts under a directory. Writes go through a temporary
// file and a rename, so readers never see a partial artifact.
type Store struct {
	mu  sync.RWMutex
	dir string
}

// Open creates dir when missing.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.NotValidf("empty artifact dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Annotatef(err, "creating artifact dir %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir is the directory artifacts are kept in.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id, suffix string) (string, error) {
	if err := snapshot.ValidateID(id); err != nil {
		return "", errors.Trace(err)
	}
	return filepath.Join(s.dir, id+suffix), nil
}

func (s *Store) PutEnvelope(ctx context.Context, id string, data []byte) error {
	return s.put(ctx, id, envelopeSuffix, data)
}

func (s *Store) GetEnvelope(ctx context.Context, id string) ([]byte, error) {
	return s.get(ctx, id, envelopeSuffix)
}

func (s *Store) PutMetadata(ctx context.Context, id string, data []byte) error {
	return s.put(ctx, id, metadataSuffix, data)
}

func (s *Store) GetMetadata(ctx context.Context, id string) ([]byte, error) {
	return s.get(ctx, id, metadataSuffix)
}

func (s *Store) put(ctx context.Context, id, suffix string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	p, err := s.path(id, suffix)
	if err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(p, data)
}

func writeFile(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*")
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Annotatef(err, "writing %s", p)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return errors.Trace(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp.Name(), p))
}

func (s *Store) get(ctx context.Context, id, suffix string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	p, err := s.path(id, suffix)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("artifact %s", filepath.Base(p))
	}
	return b, errors.Trace(err)
}

// ListMetadata reads every metadata document. A document that cannot be
// read is reported through Object.Err rather than failing the listing.
func (s *Store) ListMetadata(ctx context.Context) ([]snapshot.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", s.dir)
	}
	var out []snapshot.Object
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		obj := snapshot.Object{ID: strings.TrimSuffix(name, metadataSuffix)}
		obj.Data, obj.Err = os.ReadFile(filepath.Join(s.dir, name))
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Remove deletes both artifacts of id. Already missing files are ignored.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := snapshot.ValidateID(id); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, suffix := range []string{envelopeSuffix, metadataSuffix} {
		err := os.Remove(filepath.Join(s.dir, id+suffix))
		if err != nil && !os.IsNotExist(err) {
			return errors.Annotatef(err, "removing %s%s", id, suffix)
		}
	}
	return nil
}

var _ snapshot.Artifacts = (*Store)(nil)
