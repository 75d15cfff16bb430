package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// FormatVersion is written into every snapshot.
const FormatVersion = "1.0.0"

// Metadata describes one snapshot. It is stored in the clear next to the
// encrypted envelope and never changes after creation.
type Metadata struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Tables      []string  `json:"tables"`
	RecordCount int       `json:"recordCount"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	Encrypted   bool      `json:"encrypted"`
	Description string    `json:"description,omitempty"`
}

// Payload is the plaintext sealed inside the envelope. Its Metadata is the
// header as known before serialization, so Size and Checksum are zero.
type Payload struct {
	Metadata Metadata         `json:"metadata"`
	Data     map[string][]Row `json:"data"`
}

// RestoreOptions narrows or simulates a restore.
type RestoreOptions struct {
	DryRun              bool     `json:"dryRun"`
	SkipProtectedTables bool     `json:"skipProtectedTables"`
	Tables              []string `json:"tables,omitempty"`
}

// DefaultRestoreOptions leaves protected tables untouched.
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{SkipProtectedTables: true}
}

// RestoreDetails summarises what a restore touched, or would touch.
type RestoreDetails struct {
	Tables      []string `json:"tables"`
	RecordCount int      `json:"recordCount"`
	Size        int64    `json:"size,omitempty"`
}

// RestoreResult is reported to callers for both success and failure.
type RestoreResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Details *RestoreDetails `json:"details,omitempty"`
}

// Stats aggregates the stored snapshots.
type Stats struct {
	TotalSnapshots int        `json:"totalSnapshots"`
	TotalSize      int64      `json:"totalSize"`
	Oldest         *time.Time `json:"oldest"`
	Newest         *time.Time `json:"newest"`
	AverageSize    int64      `json:"averageSize"`
}

// Download is a snapshot artifact ready to hand to a caller.
type Download struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Records is the relational store being snapshotted.
type Records interface {
	// Query runs a read statement and returns every row.
	Query(ctx context.Context, stmt string) ([]Row, error)
	// Txn runs fn inside one transaction. A non-nil error from fn rolls
	// everything back.
	Txn(ctx context.Context, fn func(context.Context, Execer) error) error
}

// Execer runs write statements with bound arguments.
type Execer interface {
	Exec(ctx context.Context, stmt string, args ...any) error
}

// TableLister is implemented by stores able to enumerate their tables.
type TableLister interface {
	TableNames(ctx context.Context) ([]string, error)
}

// Object is one stored metadata document.
type Object struct {
	ID   string
	Data []byte
	Err  error
}

// Artifacts stores the two objects belonging to each snapshot. Getters
// return an errors.NotFound error for missing objects.
type Artifacts interface {
	PutEnvelope(ctx context.Context, id string, data []byte) error
	GetEnvelope(ctx context.Context, id string) ([]byte, error)
	PutMetadata(ctx context.Context, id string, data []byte) error
	GetMetadata(ctx context.Context, id string) ([]byte, error)
	ListMetadata(ctx context.Context) ([]Object, error)
	// Remove deletes both objects; missing objects are not an error.
	Remove(ctx context.Context, id string) error
}

// NewID returns a fresh snapshot id.
func NewID() string {
	return uuid.NewString()
}

// ValidateID rejects anything but a canonical uuid.
func ValidateID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return errors.NotValidf("snapshot id %q", id)
	}
	return nil
}

// Checksum is the hex SHA-256 of a serialized payload.
func Checksum(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// EncodePayload serializes p. The output is deterministic: table keys are
// sorted and columns keep their order.
func EncodePayload(p Payload) ([]byte, error) {
	for _, name := range p.Metadata.Tables {
		if _, ok := p.Data[name]; !ok {
			return nil, errors.NotValidf("payload without data for table %q", name)
		}
	}
	b, err := json.MarshalIndent(p, "", "  ")
	return b, errors.Trace(err)
}

// OpenPayload checks plaintext against meta and decodes it.
func OpenPayload(meta Metadata, plaintext []byte) (Payload, error) {
	if got := Checksum(plaintext); got != meta.Checksum {
		return Payload{}, errors.WithType(
			errors.Errorf("checksum %s does not match %s", got, meta.Checksum),
			ErrIntegrityCheckFailed,
		)
	}
	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Payload{}, errors.WithType(errors.Annotate(err, "decoding payload"), ErrIntegrityCheckFailed)
	}
	if p.Metadata.ID != meta.ID {
		return Payload{}, errors.WithType(
			errors.Errorf("payload belongs to snapshot %q, metadata to %q", p.Metadata.ID, meta.ID),
			ErrIntegrityCheckFailed,
		)
	}
	if p.Data == nil {
		p.Data = map[string][]Row{}
	}
	for _, name := range p.Metadata.Tables {
		if _, ok := p.Data[name]; !ok {
			return Payload{}, errors.WithType(errors.Errorf("payload has no data for table %q", name), ErrIntegrityCheckFailed)
		}
	}
	return p, nil
}
