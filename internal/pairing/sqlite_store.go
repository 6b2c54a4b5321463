// Package pairing stores which high-magnification series belongs to each
// low-magnification series, using SQLite.
package pairing

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrMissingPairing indicates no high-magnification series for a low-magnification one.
var ErrMissingPairing = errors.New("missing pairing")

// MissingPairingError names the low-magnification series without a pair.
type MissingPairingError struct {
	SeriesUID string
}

func (e *MissingPairingError) Error() string {
	return fmt.Sprintf("no high-magnification pair for series %s", e.SeriesUID)
}

func (e *MissingPairingError) Unwrap() error { return ErrMissingPairing }

// Pair links a low-magnification series to a candidate high-magnification one.
// Rank 1 marks the preferred candidate.
type Pair struct {
	SeriesUID     string `json:"series_uid"`
	HighSeriesUID string `json:"high_series_uid"`
	Rank          int    `json:"row_num_desc"`
}

// Store provides persistent pairing lookups using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based pairing store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pairs (
		series_uid TEXT NOT NULL,
		high_series_uid TEXT NOT NULL,
		row_num_desc INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (series_uid, high_series_uid)
	);

	CREATE INDEX IF NOT EXISTS idx_pairs_rank ON pairs(series_uid, row_num_desc);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put inserts or replaces pairs in one transaction.
func (s *Store) Put(ctx context.Context, pairs ...Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pairs (series_uid, high_series_uid, row_num_desc)
		VALUES (?, ?, ?)
		ON CONFLICT(series_uid, high_series_uid) DO UPDATE SET row_num_desc = excluded.row_num_desc
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pairs {
		if _, err := stmt.ExecContext(ctx, p.SeriesUID, p.HighSeriesUID, p.Rank); err != nil {
			return fmt.Errorf("failed to insert pair %s -> %s: %w", p.SeriesUID, p.HighSeriesUID, err)
		}
	}
	return tx.Commit()
}

// Lookup returns the preferred high-magnification series for seriesUID.
func (s *Store) Lookup(ctx context.Context, seriesUID string) (string, error) {
	var high string
	err := s.db.QueryRowContext(ctx, `
		SELECT high_series_uid FROM pairs
		WHERE series_uid = ? AND row_num_desc = 1
		ORDER BY high_series_uid
		LIMIT 1
	`, seriesUID).Scan(&high)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &MissingPairingError{SeriesUID: seriesUID}
	}
	if err != nil {
		return "", fmt.Errorf("failed to query pairing: %w", err)
	}
	return high, nil
}

// List returns every stored pair for seriesUID ordered by rank.
func (s *Store) List(ctx context.Context, seriesUID string) ([]Pair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT series_uid, high_series_uid, row_num_desc FROM pairs
		WHERE series_uid = ?
		ORDER BY row_num_desc, high_series_uid
	`, seriesUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pairs: %w", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.SeriesUID, &p.HighSeriesUID, &p.Rank); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ImportCSV loads pairs from CSV. The header must name SeriesInstanceUID,
// row_num_desc and either high_series_uid or gcs_url. For gcs_url the high
// series UID is the object name without a file extension.
func (s *Store) ImportCSV(ctx context.Context, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}

	seriesCol, ok := cols["SeriesInstanceUID"]
	if !ok {
		return 0, errors.New("csv is missing the SeriesInstanceUID column")
	}
	rankCol, ok := cols["row_num_desc"]
	if !ok {
		return 0, errors.New("csv is missing the row_num_desc column")
	}
	highCol, fromURL := cols["high_series_uid"], false
	if _, ok := cols["high_series_uid"]; !ok {
		if highCol, ok = cols["gcs_url"]; !ok {
			return 0, errors.New("csv needs a high_series_uid or gcs_url column")
		}
		fromURL = true
	}

	var pairs []Pair
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("csv line %d: %w", line, err)
		}
		rank, err := strconv.Atoi(strings.TrimSpace(rec[rankCol]))
		if err != nil {
			return 0, fmt.Errorf("csv line %d: invalid row_num_desc %q", line, rec[rankCol])
		}
		high := strings.TrimSpace(rec[highCol])
		if fromURL {
			high = seriesFromURL(high)
		}
		if high == "" || strings.TrimSpace(rec[seriesCol]) == "" {
			continue
		}
		pairs = append(pairs, Pair{
			SeriesUID:     strings.TrimSpace(rec[seriesCol]),
			HighSeriesUID: high,
			Rank:          rank,
		})
	}

	if err := s.Put(ctx, pairs...); err != nil {
		return 0, err
	}
	return len(pairs), nil
}

// ImportCSVFile loads pairs from a CSV file on disk.
func (s *Store) ImportCSVFile(ctx context.Context, csvPath string) (int, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", csvPath, err)
	}
	defer f.Close()
	return s.ImportCSV(ctx, f)
}

func seriesFromURL(u string) string {
	base := path.Base(u)
	if base == "." || base == "/" {
		return ""
	}
	// UIDs are dotted digits, so only a non-numeric suffix is an extension.
	ext := path.Ext(base)
	if strings.Trim(ext, ".0123456789") == "" {
		return base
	}
	return strings.TrimSuffix(base, ext)
}
