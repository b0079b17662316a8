package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assessments (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		course_ref TEXT NOT NULL,
		owner_ref TEXT NOT NULL,
		grading_mode TEXT NOT NULL,
		questions TEXT NOT NULL,
		open_at DATETIME NOT NULL,
		close_at DATETIME NOT NULL,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		frozen INTEGER NOT NULL DEFAULT 0,
		frozen_since DATETIME,
		reopened_at DATETIME,
		active INTEGER NOT NULL DEFAULT 1,
		closed_at DATETIME,
		rev INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assessments_owner ON assessments(owner_ref);
	CREATE INDEX IF NOT EXISTS idx_assessments_course ON assessments(course_ref);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assessment_id TEXT NOT NULL,
		participant_ref TEXT NOT NULL,
		start_at DATETIME NOT NULL,
		submitted_at DATETIME,
		answers TEXT NOT NULL DEFAULT '{}',
		auto_submitted INTEGER NOT NULL DEFAULT 0,
		UNIQUE (assessment_id, participant_ref),
		FOREIGN KEY (assessment_id) REFERENCES assessments(id)
	);

	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assessment_id TEXT NOT NULL,
		participant_ref TEXT NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		grader_ref TEXT NOT NULL DEFAULT '',
		graded_at DATETIME,
		feedback TEXT NOT NULL DEFAULT '',
		answers TEXT NOT NULL DEFAULT '{}',
		UNIQUE (assessment_id, participant_ref),
		FOREIGN KEY (assessment_id) REFERENCES assessments(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
