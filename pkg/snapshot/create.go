package snapshot

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/japinder12/snapvault/pkg/envelope"
)

// CreateSnapshot dumps every registered table into a new encrypted
// snapshot and returns its metadata.
//
// A table that cannot be read is logged and stored as an empty list; the
// snapshot still lists it. Any later failure leaves no artifact behind.
func (s *Service) CreateSnapshot(ctx context.Context, description string) (_ Metadata, err error) {
	start := s.clock.Now()
	defer func() { s.observe("create", start, err) }()

	id := NewID()
	logger := s.logger.With(zap.String("snapshot", id))

	s.warnUnregistered(ctx, logger)
	data := s.dump(ctx, logger)
	if err := ctx.Err(); err != nil {
		return Metadata{}, errors.WithType(errors.Annotate(err, "dumping tables"), ErrSnapshotCreationFailed)
	}
	s.fold(data, logger)

	meta := Metadata{
		ID:          id,
		Timestamp:   start.UTC(),
		Version:     FormatVersion,
		Tables:      s.registry.Names(),
		Encrypted:   true,
		Description: description,
	}
	for _, rows := range data {
		meta.RecordCount += len(rows)
	}

	plaintext, err := EncodePayload(Payload{Metadata: meta, Data: data})
	if err != nil {
		return Metadata{}, errors.WithType(errors.Annotate(err, "encoding payload"), ErrSnapshotCreationFailed)
	}
	env, err := envelope.Encrypt(plaintext, s.password)
	if err != nil {
		return Metadata{}, errors.WithType(errors.Annotate(err, "encrypting payload"), ErrSnapshotCreationFailed)
	}
	meta.Size = int64(len(env))
	meta.Checksum = Checksum(plaintext)

	if err := s.persist(ctx, meta, []byte(env)); err != nil {
		logger.Error("snapshot creation failed", zap.Error(err))
		return Metadata{}, errors.WithType(err, ErrSnapshotCreationFailed)
	}
	logger.Info("snapshot created",
		zap.Int("tables", len(meta.Tables)),
		zap.Int("records", meta.RecordCount),
		zap.Int64("size", meta.Size),
	)
	return meta, nil
}

// dump reads every registered table. Output keys match the registry 1:1.
func (s *Service) dump(ctx context.Context, logger *zap.Logger) map[string][]Row {
	tables := s.registry.Tables()
	results := make([][]Row, len(tables))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, t := range tables {
		i, t := i, t
		g.Go(func() error {
			rows, err := s.records.Query(ctx, "SELECT * FROM "+t.Physical)
			if err != nil {
				err = errors.WithType(errors.Annotatef(err, "reading %s", t.Name), ErrTableReadFailed)
				logger.Warn("table stored empty", zap.String("table", t.Name), zap.Error(err))
				s.metrics.tableReadFailed(t.Name)
				rows = nil
			}
			if rows == nil {
				rows = []Row{}
			}
			results[i] = rows
			return nil
		})
	}
	_ = g.Wait()

	data := make(map[string][]Row, len(tables))
	for i, t := range tables {
		data[t.Name] = results[i]
	}
	return data
}

// fold synthesizes rows of a replacement table from a deprecated column.
// Folded rows are appended after the rows read natively, and only when the
// target table is part of this snapshot.
func (s *Service) fold(data map[string][]Row, logger *zap.Logger) {
	for _, f := range s.folds {
		source, ok := data[f.Source]
		if !ok {
			continue
		}
		if _, ok := data[f.Target]; !ok {
			logger.Debug("legacy fold target not registered", zap.String("target", f.Target))
			continue
		}
		var folded []Row
		for _, row := range source {
			value, ok := legacyValue(row, f.Columns)
			if !ok {
				continue
			}
			key, _ := row.Get(f.SourceKey)
			folded = append(folded, Row{
				{Name: f.TargetKey, Value: key},
				{Name: f.TargetColumn, Value: value},
			})
		}
		if len(folded) > 0 {
			data[f.Target] = append(data[f.Target], folded...)
			logger.Info("folded legacy column",
				zap.String("source", f.Source),
				zap.String("target", f.Target),
				zap.Int("rows", len(folded)),
			)
		}
	}
}

func legacyValue(row Row, columns []string) (Value, bool) {
	for _, col := range columns {
		v, ok := row.Get(col)
		if !ok || v.IsNull() {
			continue
		}
		if text, isText := v.Text(); isText && text == "" {
			continue
		}
		return v, true
	}
	return Value{}, false
}

// warnUnregistered logs store tables that no snapshot will capture.
func (s *Service) warnUnregistered(ctx context.Context, logger *zap.Logger) {
	lister, ok := s.records.(TableLister)
	if !ok {
		return
	}
	names, err := lister.TableNames(ctx)
	if err != nil {
		logger.Debug("cannot enumerate store tables", zap.Error(err))
		return
	}
	known := make(map[string]bool)
	for _, t := range s.registry.Tables() {
		known[unquote(t.Physical)] = true
	}
	for _, name := range names {
		if !known[name] {
			logger.Warn("table not covered by snapshots", zap.String("table", name))
		}
	}
}

func (s *Service) persist(ctx context.Context, meta Metadata, env []byte) error {
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Annotate(err, "encoding metadata")
	}
	if err := s.artifacts.PutEnvelope(ctx, meta.ID, env); err != nil {
		s.discard(meta.ID)
		return errors.WithType(errors.Annotate(err, "writing envelope"), ErrArtifactWriteFailed)
	}
	if err := s.artifacts.PutMetadata(ctx, meta.ID, metaJSON); err != nil {
		s.discard(meta.ID)
		return errors.WithType(errors.Annotate(err, "writing metadata"), ErrArtifactWriteFailed)
	}
	return nil
}

// discard removes whatever was written for a failed snapshot.
func (s *Service) discard(id string) {
	if err := s.artifacts.Remove(context.Background(), id); err != nil {
		s.logger.Warn("cleaning up failed snapshot", zap.String("snapshot", id), zap.Error(err))
	}
}
