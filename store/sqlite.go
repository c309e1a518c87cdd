// Package store persists batch results to SQLite.
package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/nvr-ai/batch-detect/models/postprocess"
)

// Run describes one batch invocation.
type Run struct {
	ID        string
	StartedAt time.Time
	ModelDir  string
	Backend   string
	InputDir  string
}

// ImageRecord is the outcome for one input file.
type ImageRecord struct {
	RunID      string
	Filename   string
	OutputPath string
	Width      int
	Height     int
	Elapsed    time.Duration
	// Err is empty on success.
	Err        string
	Detections []postprocess.Detection
}

// Sink receives batch results.
type Sink interface {
	StartRun(ctx context.Context, run Run) error
	RecordImage(ctx context.Context, rec ImageRecord) error
	Close() error
}

// SQLite is a Sink backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		model_dir TEXT NOT NULL,
		backend TEXT NOT NULL,
		input_dir TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		output_path TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		image_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		label TEXT NOT NULL,
		class_id INTEGER NOT NULL,
		score REAL NOT NULL,
		ymin REAL NOT NULL,
		xmin REAL NOT NULL,
		ymax REAL NOT NULL,
		xmax REAL NOT NULL,
		unknown_label INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (image_id) REFERENCES images(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_images_run_id ON images(run_id);
	CREATE INDEX IF NOT EXISTS idx_detections_image_id ON detections(image_id);
	CREATE INDEX IF NOT EXISTS idx_detections_label ON detections(label);
	`

	_, err := s.db.Exec(schema)
	return err
}

// StartRun implements Sink.
func (s *SQLite) StartRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, model_dir, backend, input_dir)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.ModelDir, run.Backend, run.InputDir)
	return errors.Wrap(err, "failed to insert run")
}

// RecordImage implements Sink. The image row and its detections are
// written in one transaction.
func (s *SQLite) RecordImage(ctx context.Context, rec ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO images (run_id, filename, output_path, width, height, elapsed_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Filename, rec.OutputPath, rec.Width, rec.Height, rec.Elapsed.Milliseconds(), rec.Err)
	if err != nil {
		return errors.Wrap(err, "failed to insert image")
	}

	imageID, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}

	for i, d := range rec.Detections {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO detections (image_id, position, label, class_id, score, ymin, xmin, ymax, xmax, unknown_label)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, imageID, i, d.Label, d.ClassID, d.Score, d.Box.YMin, d.Box.XMin, d.Box.YMax, d.Box.XMax, d.UnknownLabel)
		if err != nil {
			return errors.Wrap(err, "failed to insert detection")
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// LabelCount is the number of detections carrying one label.
type LabelCount struct {
	Label string
	Count int
}

// CountImages returns the number of image rows for a run, split by outcome.
func (s *SQLite) CountImages(ctx context.Context, runID string) (ok, failed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN error = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0)
		FROM images WHERE run_id = ?
	`, runID).Scan(&ok, &failed)
	return ok, failed, errors.Wrap(err, "failed to count images")
}

// LabelCounts returns detection counts per label for a run, most frequent first.
func (s *SQLite) LabelCounts(ctx context.Context, runID string) ([]LabelCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.label, COUNT(*) AS n
		FROM detections d
		JOIN images i ON i.id = d.image_id
		WHERE i.run_id = ?
		GROUP BY d.label
		ORDER BY n DESC, d.label ASC
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query label counts")
	}
	defer rows.Close()

	var out []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan label count")
		}
		out = append(out, lc)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate label counts")
}

// Close implements Sink.
func (s *SQLite) Close() error {
	return s.db.Close()
}
