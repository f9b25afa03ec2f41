// Package store persists the run log and the geocode cache.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/uk-ipop/opendata-pipeline/pkg/geocode"
)

// Run kinds.
const (
	KindFetch   = "fetch"
	KindGeocode = "geocode"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one fetch or geocode invocation.
type Run struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Status     RunStatus      `json:"status"`
	Counts     map[string]int `json:"counts,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Kind  string `json:"kind,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// RunLog records the start and outcome of runs.
type RunLog interface {
	CreateRun(ctx context.Context, kind string) (string, error)
	CompleteRun(ctx context.Context, id string, counts map[string]int) error
	FailRun(ctx context.Context, id string, runErr error) error
}

// Store defines the persistence interface for the pipeline.
type Store interface {
	RunLog
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	geocode.Cache

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 50

func listLimit(f RunFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func encodeCounts(counts map[string]int) ([]byte, error) {
	if counts == nil {
		counts = map[string]int{}
	}
	b, err := json.Marshal(counts)
	return b, eris.Wrap(err, "marshal counts")
}

func decodeCounts(b []byte) (map[string]int, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var counts map[string]int
	if err := json.Unmarshal(b, &counts); err != nil {
		return nil, eris.Wrap(err, "unmarshal counts")
	}
	return counts, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
