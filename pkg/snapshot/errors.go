package snapshot

import (
	"github.com/juju/errors"

	"github.com/japinder12/snapvault/pkg/envelope"
)

const (
	// ErrTableReadFailed marks a table that could not be dumped. It never
	// escapes CreateSnapshot; the table is stored empty instead.
	ErrTableReadFailed = errors.ConstError("table read failed")

	// ErrArtifactWriteFailed is raised when the envelope or metadata could
	// not be persisted.
	ErrArtifactWriteFailed = errors.ConstError("artifact write failed")

	// ErrSnapshotCreationFailed wraps every fatal CreateSnapshot error.
	ErrSnapshotCreationFailed = errors.ConstError("snapshot creation failed")

	// ErrSnapshotNotFound is raised when no artifact exists for an id.
	ErrSnapshotNotFound = errors.ConstError("snapshot not found")

	// ErrDecryptionFailed covers wrong passwords and damaged envelopes.
	ErrDecryptionFailed = envelope.ErrDecryptionFailed

	// ErrIntegrityCheckFailed is raised when a decrypted payload does not
	// match its metadata.
	ErrIntegrityCheckFailed = errors.ConstError("integrity check failed")

	// ErrRestoreTransactionFailed is raised when the restore transaction
	// was rolled back.
	ErrRestoreTransactionFailed = errors.ConstError("restore transaction failed")
)
