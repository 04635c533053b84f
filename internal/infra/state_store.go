package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/chenkeao/popup-ai/internal/domain"
)

const stateDBName = "state.db"

// EncryptedStateStore implements domain.StateStore using a SQLCipher
// encrypted SQLite database. It is informational only: liveness is
// always decided from the PID file, never from this database.
type EncryptedStateStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStateStore opens (or creates) the state database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStateStore(dataDir string, key []byte) (*EncryptedStateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=2000",
		dbPath, hex.EncodeToString(key))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// A wrong key only surfaces on the first query.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to state database: %w", err)
	}

	s := &EncryptedStateStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// OpenStateStore opens the store in dataDir with the key kept beside it,
// generating the key on first use. A database the key cannot decrypt (the
// key was lost or replaced) is moved aside and a fresh one is created:
// the store only holds history, so starting empty beats running without
// it.
func OpenStateStore(dataDir string, logger *zap.Logger) (*EncryptedStateStore, error) {
	key, err := newStateKey(dataDir).ensure()
	if err != nil {
		return nil, err
	}

	store, err := NewEncryptedStateStore(dataDir, key)
	if err == nil || !isUndecryptable(err) {
		return store, err
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	aside := fmt.Sprintf("%s.%d.unreadable", dbPath, time.Now().Unix())
	if rerr := os.Rename(dbPath, aside); rerr != nil {
		return nil, fmt.Errorf("%w (and failed to move it aside: %v)", err, rerr)
	}
	logger.Warn("state database does not match its key, starting a new one",
		zap.String("moved_to", aside),
		zap.Error(err))
	return NewEncryptedStateStore(dataDir, key)
}

// isUndecryptable reports whether err means the database file cannot be
// read with the given key.
func isUndecryptable(err error) bool {
	var serr sqlcipher.Error
	if errors.As(err, &serr) && serr.Code == sqlcipher.ErrNotADB {
		return true
	}
	return strings.Contains(err.Error(), "file is not a database")
}

func (s *EncryptedStateStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		pid INTEGER NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		foreground INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		stopped_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS activations (
		id TEXT PRIMARY KEY,
		instance_pid INTEGER NOT NULL,
		source TEXT NOT NULL,
		text_length INTEGER NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		taken_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activations_pid ON activations (instance_pid);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordStart saves a new instance run.
func (s *EncryptedStateStore) RecordStart(rec domain.InstanceRecord) error {
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO instances (pid, version, foreground, started_at)
		VALUES (?, ?, ?, ?)`,
		rec.PID, rec.Version, rec.Foreground, startedAt.UnixMilli(),
	)
	return err
}

// RecordStop marks the latest open run of pid as stopped.
func (s *EncryptedStateStore) RecordStop(pid int) error {
	result, err := s.db.Exec(`
		UPDATE instances SET stopped_at = ?
		WHERE rowid = (
			SELECT rowid FROM instances
			WHERE pid = ? AND stopped_at = 0
			ORDER BY started_at DESC LIMIT 1
		)`,
		time.Now().UnixMilli(), pid,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("instance %d not recorded", pid)
	}
	return nil
}

// RecordActivation appends a ShowWindow activation. An empty ID is
// replaced by a fresh UUID.
func (s *EncryptedStateStore) RecordActivation(ctx context.Context, a domain.Activation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activations (id, instance_pid, source, text_length, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.InstancePID, a.Source, a.TextLength, a.ReceivedAt.UnixMilli(),
	)
	return err
}

// LastInstance returns the most recent instance run, or nil.
func (s *EncryptedStateStore) LastInstance() (*domain.InstanceRecord, error) {
	var rec domain.InstanceRecord
	var startedAt, stoppedAt int64
	err := s.db.QueryRow(`
		SELECT pid, version, foreground, started_at, stopped_at
		FROM instances ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	).Scan(&rec.PID, &rec.Version, &rec.Foreground, &startedAt, &stoppedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.StartedAt = time.UnixMilli(startedAt)
	if stoppedAt > 0 {
		rec.StoppedAt = time.UnixMilli(stoppedAt)
	}
	return &rec, nil
}

// LastActivation returns the most recent activation, or nil.
func (s *EncryptedStateStore) LastActivation() (*domain.Activation, error) {
	var a domain.Activation
	var receivedAt int64
	err := s.db.QueryRow(`
		SELECT id, instance_pid, source, text_length, received_at
		FROM activations ORDER BY received_at DESC, rowid DESC LIMIT 1`,
	).Scan(&a.ID, &a.InstancePID, &a.Source, &a.TextLength, &receivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.ReceivedAt = time.UnixMilli(receivedAt)
	return &a, nil
}

// CountActivations returns the number of activations received by pid.
func (s *EncryptedStateStore) CountActivations(pid int) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM activations WHERE instance_pid = ?`, pid).Scan(&n)
	return n, err
}

// SaveSnapshot persists unsaved conversation state.
func (s *EncryptedStateStore) SaveSnapshot(ctx context.Context, snap domain.ConversationSnapshot) error {
	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, conversation_id, payload, taken_at)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), snap.ConversationID, snap.Payload, takenAt.UnixMilli(),
	)
	return err
}

// Path returns the database file path.
func (s *EncryptedStateStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedStateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure EncryptedStateStore implements domain.StateStore.
var _ domain.StateStore = (*EncryptedStateStore)(nil)
