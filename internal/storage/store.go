// Package storage persists captured frames. Image bytes go to files named
// after their capture time; a SQLite journal records which burst and which
// bracket each frame belongs to.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cjeanneret/bracketcam/internal/debug"
	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

// JournalName is the journal file created in the output directory when no
// explicit path is given.
const JournalName = "journal.db"

// Burst is one journal entry.
type Burst struct {
	ID       int64      `json:"id"`
	Seq      uint64     `json:"seq"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
	Brackets int        `json:"brackets"`
	Frames   int        `json:"frames"`
}

// Record is one saved frame.
type Record struct {
	BurstID   int64         `json:"burst_id"`
	Index     int           `json:"index"`
	Exposure  time.Duration `json:"exposure_ns"`
	ISO       int32         `json:"iso"`
	Path      string        `json:"path,omitempty"` // empty when the device kept the image
	Bytes     int           `json:"bytes"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Timestamp time.Time     `json:"timestamp"`
}

// FrameStore writes frames under one directory and journals them.
type FrameStore struct {
	dir string
	db  *sql.DB
	run string // identifies this process in the journal

	mu     sync.Mutex
	lastMS int64
}

// Open creates dir if needed and opens (or creates) the journal. An empty
// journalPath puts the journal in dir.
func Open(ctx context.Context, dir, journalPath string) (*FrameStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	if journalPath == "" {
		journalPath = filepath.Join(dir, JournalName)
	}
	db, err := sql.Open("sqlite", journalPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &FrameStore{dir: dir, db: db, run: time.Now().UTC().Format(time.RFC3339Nano)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	debug.Verbose("storage: frames in %s, journal %s", dir, journalPath)
	return s, nil
}

func (s *FrameStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dir returns the output directory.
func (s *FrameStore) Dir() string { return s.dir }

func (s *FrameStore) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS bursts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run TEXT NOT NULL,
			seq INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			bracket_count INTEGER NOT NULL,
			frame_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE (run, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			burst_id INTEGER NOT NULL REFERENCES bursts(id),
			idx INTEGER NOT NULL,
			exposure_ns INTEGER NOT NULL,
			iso INTEGER NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			captured_at TEXT NOT NULL,
			PRIMARY KEY (burst_id, idx)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bursts_started ON bursts(started_at);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

// Save writes the frame bytes, if any, and journals the frame. Frames
// without bytes (the device stored the image itself) are journaled only.
func (s *FrameStore) Save(ctx context.Context, f device.Frame) (Record, error) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := Record{
		Index:     f.Tag.Index,
		Exposure:  f.Exposure,
		ISO:       f.ISO,
		Bytes:     len(f.Data),
		Width:     f.Size.Width,
		Height:    f.Size.Height,
		Timestamp: ts.UTC(),
	}
	if len(f.Data) > 0 {
		path, err := s.writeFile(f.Data, f.Format, ts)
		if err != nil {
			return Record{}, err
		}
		rec.Path = path
	}

	id, err := s.journal(ctx, f.Tag, rec)
	if err != nil {
		return Record{}, err
	}
	rec.BurstID = id
	debug.Verbose("storage: saved frame %d/%d of burst %d (%d bytes) %s", f.Tag.Index+1, f.Tag.Count, f.Tag.Burst, rec.Bytes, rec.Path)
	return rec, nil
}

// writeFile stores data as <unix-millis><ext>, bumping the name by one
// millisecond while it is taken.
func (s *FrameStore) writeFile(data []byte, format device.Format, ts time.Time) (string, error) {
	s.mu.Lock()
	ms := ts.UnixMilli()
	if ms <= s.lastMS {
		ms = s.lastMS + 1
	}
	s.lastMS = ms
	s.mu.Unlock()

	for {
		path := filepath.Join(s.dir, strconv.FormatInt(ms, 10)+format.Ext())
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			ms++
			continue
		}
		if err != nil {
			return "", fmt.Errorf("storage: create %s: %w", path, err)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("storage: write %s: %w", path, err)
		}
		return path, nil
	}
}

func (s *FrameStore) journal(ctx context.Context, tag device.Tag, rec Record) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count := max(tag.Count, 1)
	now := rec.Timestamp.Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bursts (run, seq, started_at, bracket_count) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run, seq) DO NOTHING;`,
		s.run, int64(tag.Burst), now, count); err != nil {
		return 0, fmt.Errorf("storage: insert burst: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM bursts WHERE run = ? AND seq = ?;`, s.run, int64(tag.Burst)).Scan(&id); err != nil {
		return 0, fmt.Errorf("storage: lookup burst: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO frames (burst_id, idx, exposure_ns, iso, path, bytes, width, height, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		id, rec.Index, int64(rec.Exposure), rec.ISO, rec.Path, rec.Bytes, rec.Width, rec.Height, now); err != nil {
		return 0, fmt.Errorf("storage: insert frame: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE bursts SET frame_count = frame_count + 1,
		   finished_at = CASE WHEN frame_count + 1 >= bracket_count THEN ? ELSE finished_at END
		 WHERE id = ?;`,
		now, id); err != nil {
		return 0, fmt.Errorf("storage: update burst: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit: %w", err)
	}
	return id, nil
}

// RecentBursts lists the newest journal entries first.
func (s *FrameStore) RecentBursts(ctx context.Context, limit int) ([]Burst, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, started_at, finished_at, bracket_count, frame_count
		 FROM bursts ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list bursts: %w", err)
	}
	defer rows.Close()

	var out []Burst
	for rows.Next() {
		var (
			b        Burst
			seq      int64
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&b.ID, &seq, &started, &finished, &b.Brackets, &b.Frames); err != nil {
			return nil, fmt.Errorf("storage: scan burst: %w", err)
		}
		b.Seq = uint64(seq)
		b.Started = parseTime(started)
		if finished.Valid && finished.String != "" {
			t := parseTime(finished.String)
			b.Finished = &t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Frames lists the frames of one burst in bracket order.
func (s *FrameStore) Frames(ctx context.Context, burstID int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, exposure_ns, iso, path, bytes, width, height, captured_at
		 FROM frames WHERE burst_id = ? ORDER BY idx;`, burstID)
	if err != nil {
		return nil, fmt.Errorf("storage: list frames: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			exposure int64
			captured string
		)
		if err := rows.Scan(&r.Index, &exposure, &r.ISO, &r.Path, &r.Bytes, &r.Width, &r.Height, &captured); err != nil {
			return nil, fmt.Errorf("storage: scan frame: %w", err)
		}
		r.BurstID = burstID
		r.Exposure = time.Duration(exposure)
		r.Timestamp = parseTime(captured)
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
