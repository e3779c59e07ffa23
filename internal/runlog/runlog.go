// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package runlog records training telemetry in SQLite and summarizes it.
package runlog

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/train"

	_ "modernc.org/sqlite"
)

// schema.sql creates the runs, steps and refreshes tables.
//
//go:embed schema.sql
var schemaSQL string

// ErrNoSteps is returned when a run has no recorded steps.
var ErrNoSteps = errors.New("runlog: no steps recorded")

// Log is a telemetry store.
type Log struct {
	db *sql.DB
}

// Open opens or creates the store at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runlog: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog: apply schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the store.
func (l *Log) Close() error {
	return l.db.Close()
}

// StartRun registers a run with its configuration and returns its ID.
func (l *Log) StartRun(cfg ngp.Config) (string, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("runlog: encode config: %w", err)
	}
	id := uuid.NewString()
	_, err = l.db.Exec(`INSERT INTO runs (run_id, started_unix_nanos, config_json) VALUES (?, ?, ?)`,
		id, time.Now().UnixNano(), string(cfgJSON))
	if err != nil {
		return "", fmt.Errorf("runlog: insert run: %w", err)
	}
	return id, nil
}

// RecordStep stores a step result, and its refresh statistics when the
// step refreshed the grid.
func (l *Log) RecordStep(runID string, res train.StepResult) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("runlog: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.Exec(`INSERT INTO steps (run_id, step, loss, rays, samples, empty_rays, degenerate, grad_norm)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.Step, res.Loss, res.Rays, res.Samples, res.EmptyRays, res.Degenerate, res.GradNorm)
	if err != nil {
		return fmt.Errorf("runlog: insert step %d: %w", res.Step, err)
	}
	if res.Refreshed {
		r := res.Refresh
		_, err = tx.Exec(`INSERT INTO refreshes (run_id, step, visited, accepted, degenerate, occupied, ratio)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, res.Step, r.Visited, r.Accepted, r.Degenerate, r.Occupied, r.Ratio)
		if err != nil {
			return fmt.Errorf("runlog: insert refresh at step %d: %w", res.Step, err)
		}
	}
	return tx.Commit()
}

// Losses returns the recorded step numbers and losses of a run in step
// order.
func (l *Log) Losses(runID string) (steps []int, losses []float64, err error) {
	rows, err := l.db.Query(`SELECT step, loss FROM steps WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("runlog: query losses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s int
		var v float64
		if err := rows.Scan(&s, &v); err != nil {
			return nil, nil, fmt.Errorf("runlog: scan loss: %w", err)
		}
		steps = append(steps, s)
		losses = append(losses, v)
	}
	return steps, losses, rows.Err()
}

// Refreshes returns the occupancy ratio after every recorded refresh.
func (l *Log) Refreshes(runID string) ([]float64, error) {
	rows, err := l.db.Query(`SELECT ratio FROM refreshes WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("runlog: query refreshes: %w", err)
	}
	defer rows.Close()
	var ratios []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("runlog: scan refresh: %w", err)
		}
		ratios = append(ratios, r)
	}
	return ratios, rows.Err()
}

// Summary describes the losses of a run.
type Summary struct {
	Steps     int
	MeanLoss  float64
	StdDev    float64
	MinLoss   float64
	FinalLoss float64
	Refreshes int
}

// Summarize computes loss statistics for a run. A run without steps
// returns ErrNoSteps.
func (l *Log) Summarize(runID string) (Summary, error) {
	_, losses, err := l.Losses(runID)
	if err != nil {
		return Summary{}, err
	}
	if len(losses) == 0 {
		return Summary{}, ErrNoSteps
	}
	ratios, err := l.Refreshes(runID)
	if err != nil {
		return Summary{}, err
	}

	mean, std := stat.MeanStdDev(losses, nil)
	if len(losses) == 1 {
		std = 0
	}
	return Summary{
		Steps:     len(losses),
		MeanLoss:  mean,
		StdDev:    std,
		MinLoss:   floats.Min(losses),
		FinalLoss: losses[len(losses)-1],
		Refreshes: len(ratios),
	}, nil
}
