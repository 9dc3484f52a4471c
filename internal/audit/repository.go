package audit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

const insertEntrySQL = `
INSERT INTO audit_logs (
	id, device_id, actor, role, action, resource_type, resource_id,
	metadata, payload_digest, ip, user_agent, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

// Repository persists audit entries in postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// Log fills in id, timestamp and metadata digest when absent and inserts the
// entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.ID == "" {
		entry.ID = newEntryID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" && len(entry.Metadata) > 0 {
		sum := sha256.Sum256(entry.Metadata)
		entry.PayloadDigest = hex.EncodeToString(sum[:])
	}

	_, err := r.db.ExecContext(ctx, insertEntrySQL,
		entry.ID, entry.DeviceID, entry.Actor, entry.Role, entry.Action,
		entry.ResourceType, entry.ResourceID, entry.Metadata,
		entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}

func newEntryID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "audit-" + hex.EncodeToString(buf)
}
