package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// timeLayout is fixed-width so fetched_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

const defaultListLimit = 50

// InsertSnapshots batch-inserts snapshots.
func (s *Store) InsertSnapshots(ctx context.Context, snaps []xmlfetch.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	const cols = 9
	placeholders := make([]string, len(snaps))
	args := make([]any, 0, len(snaps)*cols)
	for i, r := range snaps {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.Feed, r.Status, r.Size,
			nullStr(r.Hash), nullStr(r.Error), r.LatencyMs,
			nullStr(r.RequestID), formatTime(r.FetchedAt),
		)
	}

	query := `INSERT INTO snapshots
		(id, feed, status, size, hash, error, latency_ms, request_id, fetched_at)
		VALUES ` + strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// LatestSnapshot returns the most recent snapshot for feed.
func (s *Store) LatestSnapshot(ctx context.Context, feed string) (*xmlfetch.Snapshot, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots WHERE feed = ?
		 ORDER BY fetched_at DESC, id DESC LIMIT 1`, feed,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns up to limit snapshots for feed, newest first.
func (s *Store) ListSnapshots(ctx context.Context, feed string, limit int) ([]xmlfetch.Snapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots WHERE feed = ?
		 ORDER BY fetched_at DESC, id DESC LIMIT ?`, feed, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []xmlfetch.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes snapshots fetched before cutoff.
func (s *Store) PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM snapshots WHERE fetched_at < ?`, formatTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const snapshotCols = `id, feed, status, size, hash, error, latency_ms, request_id, fetched_at`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(s scanner) (xmlfetch.Snapshot, error) {
	var snap xmlfetch.Snapshot
	var hash, errMsg, requestID sql.NullString
	var fetchedAt string
	err := s.Scan(
		&snap.ID, &snap.Feed, &snap.Status, &snap.Size,
		&hash, &errMsg, &snap.LatencyMs, &requestID, &fetchedAt,
	)
	if err != nil {
		return xmlfetch.Snapshot{}, notFoundErr(err)
	}
	snap.Hash = hash.String
	snap.Error = errMsg.String
	snap.RequestID = requestID.String
	if t, e := time.Parse(timeLayout, fetchedAt); e == nil {
		snap.FetchedAt = t
	}
	return snap, nil
}

// notFoundErr translates sql.ErrNoRows to xmlfetch.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return xmlfetch.ErrNotFound
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
