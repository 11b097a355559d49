// Package db provides structured access and database migrations for the SQLite archive.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rootscope/internal/models"
	"rootscope/internal/orchestrator"
)

// sqliteTimestamp matches the text written by CURRENT_TIMESTAMP.
const sqliteTimestamp = "2006-01-02 15:04:05"

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
	path string
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; serializing here avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:   db,
		path: dbPath,
	}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	migrations := []string{
		// Completed analyses
		`CREATE TABLE IF NOT EXISTS analysis_sessions (
			id TEXT PRIMARY KEY,
			trace_id TEXT,
			strategy TEXT NOT NULL,
			top_suspect TEXT,
			confidence REAL,
			attempts INTEGER NOT NULL,
			result_data TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		// Injected faults and their ground truth
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			target_service TEXT NOT NULL,
			fault_type TEXT NOT NULL,
			trace_id TEXT,
			incident_data TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		// Evaluation results
		`CREATE TABLE IF NOT EXISTS evaluation_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL,
			strategy TEXT NOT NULL,
			top1 REAL NOT NULL,
			topk REAL NOT NULL,
			mrr REAL NOT NULL,
			result_data TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (incident_id) REFERENCES incidents(id)
		)`,
		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_sessions_trace ON analysis_sessions(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_service ON incidents(target_service)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_started ON incidents(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_results_incident ON evaluation_results(incident_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveAnalysis archives a completed analysis.
func (db *DB) SaveAnalysis(ctx context.Context, r *orchestrator.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}
	var top string
	if len(r.Ranking) > 0 {
		top = r.Ranking[0].Service
	}
	var confidence sql.NullFloat64
	if r.Verdict != nil {
		confidence = sql.NullFloat64{Float64: r.Verdict.Confidence, Valid: true}
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO analysis_sessions
			(id, trace_id, strategy, top_suspect, confidence, attempts, result_data, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AnalysisID, r.TraceID, r.Strategy, top, confidence, r.Attempts, string(data),
		r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save analysis %s: %w", r.AnalysisID, err)
	}
	return nil
}

// GetAnalysis loads an archived analysis. A missing id is NotFound.
func (db *DB) GetAnalysis(ctx context.Context, id string) (*orchestrator.Result, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT result_data FROM analysis_sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "analysis %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis %s: %w", id, err)
	}
	var r orchestrator.Result
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode analysis %s: %w", id, err)
	}
	return &r, nil
}

// SaveIncident archives an injected fault.
func (db *DB) SaveIncident(ctx context.Context, inc *models.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to encode incident: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO incidents
			(id, target_service, fault_type, trace_id, incident_data, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Fault.TargetService, string(inc.Fault.Type), inc.TraceID, string(data),
		inc.InjectionWindow.Start.UTC(), inc.InjectionWindow.End.UTC())
	if err != nil {
		return fmt.Errorf("failed to save incident %s: %w", inc.ID, err)
	}
	return nil
}

// SaveEvaluation archives the score of one experiment.
func (db *DB) SaveEvaluation(ctx context.Context, r *models.EvaluationResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode evaluation: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO evaluation_results (incident_id, strategy, top1, topk, mrr, result_data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.IncidentID, r.Strategy, r.Top1Accuracy, r.TopKAccuracy, r.MRR, string(data))
	if err != nil {
		return fmt.Errorf("failed to save evaluation for %s: %w", r.IncidentID, err)
	}
	return nil
}

// ListEvaluations returns the most recent results first. since filters by
// archive time when non-zero.
func (db *DB) ListEvaluations(ctx context.Context, since time.Time, limit int) ([]*models.EvaluationResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT result_data FROM evaluation_results WHERE created_at >= ? ORDER BY id DESC LIMIT ?`,
		since.UTC().Format(sqliteTimestamp), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var out []*models.EvaluationResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		var r models.EvaluationResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to decode evaluation: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
