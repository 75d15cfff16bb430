package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Restore replaces the contents of the selected tables with the rows held
// by snapshot id.
//
// The snapshot is decrypted and its checksum verified before anything is
// touched. A dry run stops there. Otherwise every selected table is cleared
// and reloaded inside a single transaction: either all tables are restored
// or none is. Once the transaction has started it is not cancelled by ctx.
//
// Callers must not run restores concurrently against the same store.
func (s *Service) Restore(ctx context.Context, id string, opts RestoreOptions) (_ RestoreResult, err error) {
	start := s.clock.Now()
	op := "restore"
	if opts.DryRun {
		op = "restore_dry_run"
	}
	defer func() { s.observe(op, start, err) }()

	result, err := s.restore(ctx, id, opts)
	if err != nil {
		s.logger.Error("snapshot restore failed", zap.String("snapshot", id), zap.Error(err))
		return RestoreResult{Success: false, Message: err.Error()}, err
	}
	return result, nil
}

func (s *Service) restore(ctx context.Context, id string, opts RestoreOptions) (RestoreResult, error) {
	if err := ValidateID(id); err != nil {
		return RestoreResult{}, errors.Trace(err)
	}
	snap, err := s.open(ctx, id)
	if err != nil {
		return RestoreResult{}, errors.Trace(err)
	}
	payload := snap.payload
	tables, err := s.selectTables(payload, opts)
	if err != nil {
		return RestoreResult{}, errors.Trace(err)
	}
	details := &RestoreDetails{Tables: tables}
	for _, name := range tables {
		details.RecordCount += len(payload.Data[name])
	}

	if opts.DryRun {
		details.Size = snap.meta.Size
		return RestoreResult{
			Success: true,
			Message: "Dry run completed successfully",
			Details: details,
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return RestoreResult{}, errors.Trace(err)
	}
	logger := s.logger.With(zap.String("snapshot", id))
	err = s.records.Txn(context.WithoutCancel(ctx), func(ctx context.Context, tx Execer) error {
		return s.reload(ctx, tx, payload, tables, logger)
	})
	if err != nil {
		return RestoreResult{}, errors.WithType(errors.Annotate(err, "restore rolled back"), ErrRestoreTransactionFailed)
	}
	s.metrics.rowsRestored(details.RecordCount)
	logger.Info("snapshot restored", zap.Strings("tables", tables), zap.Int("records", details.RecordCount))
	return RestoreResult{
		Success: true,
		Message: fmt.Sprintf("Successfully restored snapshot %s", id),
		Details: details,
	}, nil
}

// selectTables resolves the effective table set: the requested tables, or
// every table of the snapshot, minus protected tables when asked.
func (s *Service) selectTables(p Payload, opts RestoreOptions) ([]string, error) {
	requested := opts.Tables
	if len(requested) == 0 {
		requested = p.Metadata.Tables
	}
	seen := make(map[string]bool, len(requested))
	var tables []string
	for _, name := range requested {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := p.Data[name]; !ok {
			return nil, errors.NotValidf("table %q is not in the snapshot", name)
		}
		if !s.registry.Has(name) {
			return nil, errors.NotValidf("table %q is not registered", name)
		}
		if opts.SkipProtectedTables && s.protected[name] {
			continue
		}
		tables = append(tables, name)
	}
	return tables, nil
}

// reload clears every table first, then inserts the snapshot rows.
func (s *Service) reload(ctx context.Context, tx Execer, p Payload, tables []string, logger *zap.Logger) error {
	for _, name := range tables {
		physical, _ := s.registry.Physical(name)
		if err := tx.Exec(ctx, "DELETE FROM "+physical); err != nil {
			return errors.Annotatef(err, "clearing %s", name)
		}
		logger.Debug("cleared table", zap.String("table", name))
	}
	for _, name := range tables {
		physical, _ := s.registry.Physical(name)
		rows := p.Data[name]
		for i, row := range rows {
			stmt, args := insertStatement(physical, row)
			if err := tx.Exec(ctx, stmt, args...); err != nil {
				return errors.Annotatef(err, "inserting row %d into %s", i, name)
			}
		}
		logger.Debug("restored table", zap.String("table", name), zap.Int("records", len(rows)))
	}
	return nil
}

// insertStatement builds a parameterized INSERT for one row.
func insertStatement(physical string, row Row) (string, []any) {
	if len(row) == 0 {
		return "INSERT INTO " + physical + " DEFAULT VALUES", nil
	}
	cols := make([]string, len(row))
	marks := make([]string, len(row))
	args := make([]any, len(row))
	for i, f := range row {
		cols[i] = quoteIdent(f.Name)
		marks[i] = "?"
		args[i] = f.Value.Interface()
	}
	return "INSERT INTO " + physical +
		" (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")", args
}
