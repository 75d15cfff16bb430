// Package snapshot dumps every registered table of the records store into a
// single encrypted artifact and restores such artifacts transactionally.
package snapshot

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/japinder12/snapvault/pkg/envelope"
)

const defaultReadConcurrency = 4

// Config holds the collaborators of a Service.
type Config struct {
	Records   Records
	Artifacts Artifacts
	Registry  *Registry
	// Password seals and opens every envelope.
	Password string

	Logger          *zap.Logger
	Clock           clock.Clock
	Metrics         *Metrics
	ReadConcurrency int
	ProtectedTables []string
	LegacyFolds     []LegacyFold
}

// Validate checks the mandatory fields.
func (c Config) Validate() error {
	if c.Records == nil {
		return errors.NotValidf("nil Records")
	}
	if c.Artifacts == nil {
		return errors.NotValidf("nil Artifacts")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Password == "" {
		return errors.NotValidf("empty Password")
	}
	if c.ReadConcurrency < 0 {
		return errors.NotValidf("negative ReadConcurrency")
	}
	return nil
}

// Service creates, lists, restores and deletes snapshots. It holds no lock
// between calls; callers serialize restores themselves.
type Service struct {
	records   Records
	artifacts Artifacts
	registry  *Registry
	password  string

	logger      *zap.Logger
	clock       clock.Clock
	metrics     *Metrics
	concurrency int
	protected   map[string]bool
	folds       []LegacyFold
}

// NewService returns a Service. Unset optional fields get defaults: a no-op
// logger, the wall clock, the default protected tables and legacy folds.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Service{
		records:     cfg.Records,
		artifacts:   cfg.Artifacts,
		registry:    cfg.Registry,
		password:    cfg.Password,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		concurrency: cfg.ReadConcurrency,
		folds:       cfg.LegacyFolds,
		protected:   make(map[string]bool),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.concurrency == 0 {
		s.concurrency = defaultReadConcurrency
	}
	if s.folds == nil {
		s.folds = DefaultLegacyFolds
	}
	protected := cfg.ProtectedTables
	if protected == nil {
		protected = DefaultProtectedTables
	}
	for _, name := range protected {
		s.protected[name] = true
	}
	return s, nil
}

func (s *Service) observe(op string, start time.Time, err error) {
	s.metrics.observe(op, s.clock.Now().Sub(start), err)
}

// ListSnapshots returns the metadata of every stored snapshot, newest first.
// Unreadable metadata documents are logged and skipped.
func (s *Service) ListSnapshots(ctx context.Context) (_ []Metadata, err error) {
	start := s.clock.Now()
	defer func() { s.observe("list", start, err) }()

	objects, err := s.artifacts.ListMetadata(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "listing snapshots")
	}
	out := make([]Metadata, 0, len(objects))
	for _, obj := range objects {
		if obj.Err != nil {
			s.logger.Warn("skipping unreadable snapshot metadata", zap.String("snapshot", obj.ID), zap.Error(obj.Err))
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(obj.Data, &meta); err != nil {
			s.logger.Warn("skipping corrupt snapshot metadata", zap.String("snapshot", obj.ID), zap.Error(err))
			continue
		}
		if err := ValidateID(meta.ID); err != nil || meta.ID != obj.ID {
			s.logger.Warn("skipping snapshot metadata with wrong id",
				zap.String("snapshot", obj.ID), zap.String("id", meta.ID))
			continue
		}
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// DeleteSnapshot removes both artifacts of a snapshot. Deleting an already
// deleted snapshot succeeds.
func (s *Service) DeleteSnapshot(ctx context.Context, id string) (_ bool, err error) {
	start := s.clock.Now()
	defer func() { s.observe("delete", start, err) }()

	if err := ValidateID(id); err != nil {
		return false, errors.Trace(err)
	}
	if err := s.artifacts.Remove(ctx, id); err != nil {
		s.logger.Error("deleting snapshot", zap.String("snapshot", id), zap.Error(err))
		return false, errors.Annotatef(err, "deleting snapshot %q", id)
	}
	s.logger.Info("snapshot deleted", zap.String("snapshot", id))
	return true, nil
}

// Stats aggregates ListSnapshots.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		return Stats{}, errors.Trace(err)
	}
	return Aggregate(snaps), nil
}

// Aggregate summarises a listing. AverageSize is rounded to the nearest byte.
func Aggregate(snaps []Metadata) Stats {
	var st Stats
	if len(snaps) == 0 {
		return st
	}
	oldest, newest := snaps[0].Timestamp, snaps[0].Timestamp
	for _, m := range snaps {
		st.TotalSize += m.Size
		if m.Timestamp.Before(oldest) {
			oldest = m.Timestamp
		}
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	st.TotalSnapshots = len(snaps)
	st.Oldest, st.Newest = &oldest, &newest
	n := int64(len(snaps))
	st.AverageSize = (st.TotalSize + n/2) / n
	return st
}

// Download returns the stored envelope, or the decrypted and verified
// payload when plain is set.
func (s *Service) Download(ctx context.Context, id string, plain bool) (Download, error) {
	if err := ValidateID(id); err != nil {
		return Download{}, errors.Trace(err)
	}
	if !plain {
		env, err := s.artifacts.GetEnvelope(ctx, id)
		if err != nil {
			return Download{}, s.notFound(id, err)
		}
		return Download{
			Filename:    id + ".snapshot",
			ContentType: "application/octet-stream",
			Body:        env,
		}, nil
	}
	snap, err := s.open(ctx, id)
	if err != nil {
		return Download{}, errors.Trace(err)
	}
	return Download{
		Filename:    id + "-plain.json",
		ContentType: "application/json",
		Body:        snap.plaintext,
	}, nil
}

type opened struct {
	meta      Metadata
	payload   Payload
	plaintext []byte
}

// open loads, decrypts and verifies a snapshot.
func (s *Service) open(ctx context.Context, id string) (opened, error) {
	raw, err := s.artifacts.GetMetadata(ctx, id)
	if err != nil {
		return opened{}, s.notFound(id, err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return opened{}, errors.WithType(errors.Annotatef(err, "decoding metadata of %q", id), ErrIntegrityCheckFailed)
	}
	if meta.ID != id {
		return opened{}, errors.WithType(errors.Errorf("metadata stored under %q describes %q", id, meta.ID), ErrIntegrityCheckFailed)
	}
	env, err := s.artifacts.GetEnvelope(ctx, id)
	if err != nil {
		return opened{}, s.notFound(id, err)
	}
	plaintext, err := envelope.Decrypt(string(env), s.password)
	if err != nil {
		return opened{}, errors.Annotatef(err, "opening snapshot %q", id)
	}
	p, err := OpenPayload(meta, plaintext)
	if err != nil {
		return opened{}, errors.Annotatef(err, "verifying snapshot %q", id)
	}
	return opened{meta: meta, payload: p, plaintext: plaintext}, nil
}

func (s *Service) notFound(id string, err error) error {
	if errors.Is(err, errors.NotFound) {
		return errors.WithType(errors.Annotatef(err, "snapshot %q", id), ErrSnapshotNotFound)
	}
	return errors.Annotatef(err, "reading snapshot %q", id)
}
