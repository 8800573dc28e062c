package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Kali123411/stratum-proxy/src/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS hashrate_snapshots (
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		taken_at_unix INTEGER NOT NULL,
		accepted_hashrate REAL NOT NULL,
		rejected_hashrate REAL NOT NULL,
		accepted INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		PRIMARY KEY (kind, name, taken_at_unix)
	)
`

// Store keeps hashrate history of pools and users in a sqlite file.
type Store struct {
	db     *sql.DB
	insert *sql.Stmt
	logger *zap.Logger
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed creating database directory")
	}

	db, err := sql.Open("sqlite", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening %s", path)
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed opening %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed creating hashrate table")
	}
	insert, err := db.Prepare(`
		INSERT OR REPLACE INTO hashrate_snapshots
			(kind, name, taken_at_unix, accepted_hashrate, rejected_hashrate, accepted, rejected)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed preparing insert")
	}

	logger.Info("hashrate store opened", zap.String("path", path))
	return &Store{db: db, insert: insert, logger: logger}, nil
}

// SaveSnapshots writes snapshots in one transaction.
func (s *Store) SaveSnapshots(ctx context.Context, snapshots []stats.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed starting transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.StmtContext(ctx, s.insert)
	for _, snap := range snapshots {
		if _, err := stmt.ExecContext(ctx, snap.Kind, snap.Name, snap.Time.Unix(),
			snap.AcceptedHashrate, snap.RejectedHashrate, snap.Accepted, snap.Rejected); err != nil {
			return errors.Wrapf(err, "failed saving snapshot of %s %s", snap.Kind, snap.Name)
		}
	}
	return errors.Wrap(tx.Commit(), "failed committing snapshots")
}

// Prune deletes snapshots taken before the given time and returns how many
// rows went away.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM hashrate_snapshots WHERE taken_at_unix < ?", before.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "failed pruning snapshots")
	}
	return res.RowsAffected()
}

// History returns the snapshots of one pool or user taken at or after
// since, oldest first.
func (s *Store) History(ctx context.Context, kind, name string, since time.Time) ([]stats.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT taken_at_unix, accepted_hashrate, rejected_hashrate, accepted, rejected
		FROM hashrate_snapshots
		WHERE kind = ? AND name = ? AND taken_at_unix >= ?
		ORDER BY taken_at_unix
	`, kind, name, since.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "failed querying snapshots")
	}
	defer rows.Close()

	var history []stats.Snapshot
	for rows.Next() {
		snap := stats.Snapshot{Kind: kind, Name: name}
		var takenAt int64
		if err := rows.Scan(&takenAt, &snap.AcceptedHashrate, &snap.RejectedHashrate, &snap.Accepted, &snap.Rejected); err != nil {
			return nil, errors.Wrap(err, "failed reading snapshot")
		}
		snap.Time = time.Unix(takenAt, 0)
		history = append(history, snap)
	}
	return history, rows.Err()
}

func (s *Store) Close() error {
	return multierr.Combine(s.insert.Close(), s.db.Close())
}
