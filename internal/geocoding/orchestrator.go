// Package geocoding runs the geocoder over every source that needs it and
// streams the matches into the shared results file.
package geocoding

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uk-ipop/opendata-pipeline/internal/address"
	"github.com/uk-ipop/opendata-pipeline/internal/record"
	"github.com/uk-ipop/opendata-pipeline/internal/resilience"
	"github.com/uk-ipop/opendata-pipeline/internal/source"
	"github.com/uk-ipop/opendata-pipeline/internal/store"
	"github.com/uk-ipop/opendata-pipeline/pkg/geocode"
)

const (
	// ResultsFilename is the geocoded-results stream shared by all sources.
	ResultsFilename = "geocoded_data.jsonl"
	// FailuresFilename receives skipped candidates when skip mode is on.
	FailuresFilename = "geocode_failures.jsonl"
)

// Options tunes a geocoding run.
type Options struct {
	Concurrency   int
	SkipExhausted bool
	GeoJSON       bool
	// MaxAttempts is recorded on dead letters in skip mode.
	MaxAttempts int
}

// SourceStats counts what happened to one source's candidates.
type SourceStats struct {
	Candidates  int `json:"candidates"`
	Matched     int `json:"matched"`
	Unmatched   int `json:"unmatched"`
	Skipped     int `json:"skipped"`
	OutOfBounds int `json:"out_of_bounds"`
}

// Summary reports a completed geocoding run.
type Summary struct {
	RunID   string
	Sources map[string]SourceStats
	Matched int
	Skipped int
}

// Orchestrator geocodes sources one at a time with bounded concurrency
// inside each source.
type Orchestrator struct {
	client  geocode.Client
	dataDir string
	opts    Options
	runs    store.RunLog
}

// NewOrchestrator creates an Orchestrator reading and writing under dataDir.
// runs may be nil.
func NewOrchestrator(client geocode.Client, dataDir string, opts Options, runs store.RunLog) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Orchestrator{client: client, dataDir: dataDir, opts: opts, runs: runs}
}

// Run truncates the results file and geocodes every source flagged
// needs_geocoding. Each source's matches are appended and synced before the
// next source starts, so an abort loses at most the source in flight.
func (o *Orchestrator) Run(ctx context.Context, sources []*source.Descriptor) (*Summary, error) {
	log := zap.L().With(zap.String("component", "geocoding.orchestrator"))
	start := time.Now()

	sum := &Summary{Sources: make(map[string]SourceStats)}
	if o.runs != nil {
		id, err := o.runs.CreateRun(ctx, store.KindGeocode)
		if err != nil {
			return nil, eris.Wrap(err, "geocoding: create run")
		}
		sum.RunID = id
	}

	results, err := createJSONL(filepath.Join(o.dataDir, ResultsFilename))
	if err != nil {
		o.fail(sum.RunID, err)
		return nil, err
	}
	defer results.Close() //nolint:errcheck

	var failures *jsonlFile
	if o.opts.SkipExhausted {
		failures, err = createJSONL(filepath.Join(o.dataDir, FailuresFilename))
		if err != nil {
			o.fail(sum.RunID, err)
			return nil, err
		}
		defer failures.Close() //nolint:errcheck
	}

	for _, src := range sources {
		if !src.NeedsGeocoding {
			continue
		}
		stats, err := o.runSource(ctx, src, results, failures)
		if err != nil {
			o.fail(sum.RunID, err)
			return nil, err
		}
		sum.Sources[src.Name] = stats
		sum.Matched += stats.Matched
		sum.Skipped += stats.Skipped
	}

	if o.runs != nil {
		counts := make(map[string]int, len(sum.Sources))
		for name, s := range sum.Sources {
			counts[name] = s.Matched
		}
		if err := o.runs.CompleteRun(ctx, sum.RunID, counts); err != nil {
			log.Error("failed to record run completion", zap.Error(err))
		}
	}

	log.Info("geocode run complete",
		zap.Int("sources", len(sum.Sources)),
		zap.Int("matched", sum.Matched),
		zap.Int("skipped", sum.Skipped),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sum, nil
}

// buffer collects one source's outcomes in completion order.
type buffer struct {
	mu        sync.Mutex
	results   []geocode.Result
	failed    []resilience.DeadLetter
	unmatched int
}

func (b *buffer) add(r geocode.Result) {
	b.mu.Lock()
	b.results = append(b.results, r)
	b.mu.Unlock()
}

func (b *buffer) miss() {
	b.mu.Lock()
	b.unmatched++
	b.mu.Unlock()
}

func (b *buffer) skip(dl resilience.DeadLetter) {
	b.mu.Lock()
	b.failed = append(b.failed, dl)
	b.mu.Unlock()
}

func (o *Orchestrator) runSource(ctx context.Context, src *source.Descriptor, results, failures *jsonlFile) (SourceStats, error) {
	log := zap.L().With(zap.String("source", src.Name))

	candidates, err := o.candidates(src)
	if err != nil {
		return SourceStats{}, err
	}
	log.Info("geocoding source", zap.Int("candidates", len(candidates)))

	buf := &buffer{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for _, cand := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := o.client.Geocode(gctx, cand)
			if err != nil {
				if o.opts.SkipExhausted && errors.Is(err, resilience.ErrExhaustedRetries) {
					log.Warn("skipping candidate", zap.Int("case_identifier", cand.CaseIdentifier), zap.Error(err))
					buf.skip(resilience.NewDeadLetter(src.Name, cand.CaseIdentifier, cand.Address, o.opts.MaxAttempts, err))
					return nil
				}
				return err
			}
			if !res.Matched {
				buf.miss()
				return nil
			}
			buf.add(*res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SourceStats{}, eris.Wrapf(err, "geocoding: %s", src.Name)
	}
	if err := ctx.Err(); err != nil {
		return SourceStats{}, eris.Wrapf(err, "geocoding: %s", src.Name)
	}

	stats := SourceStats{
		Candidates: len(candidates),
		Matched:    len(buf.results),
		Unmatched:  buf.unmatched,
		Skipped:    len(buf.failed),
	}
	bounds := src.SpatialConfig.Bounds
	for _, r := range buf.results {
		if !bounds.Contains(r.Longitude, r.Latitude) {
			stats.OutOfBounds++
		}
	}

	for _, r := range buf.results {
		if err := results.Write(r); err != nil {
			return stats, err
		}
	}
	if err := results.Commit(); err != nil {
		return stats, err
	}
	if failures != nil && len(buf.failed) > 0 {
		for _, dl := range buf.failed {
			if err := failures.Write(dl); err != nil {
				return stats, err
			}
		}
		if err := failures.Commit(); err != nil {
			return stats, err
		}
	}

	if o.opts.GeoJSON {
		path := filepath.Join(o.dataDir, src.GeoJSONFilename())
		if err := WriteGeoJSON(path, buf.results); err != nil {
			return stats, err
		}
	}

	if stats.OutOfBounds > 0 {
		log.Warn("matches outside source bounds", zap.Int("out_of_bounds", stats.OutOfBounds))
	}
	log.Info("geocoded source",
		zap.Int("matched", stats.Matched),
		zap.Int("unmatched", stats.Unmatched),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// candidates streams the source's records file and keeps the records that
// need and can take a geocode.
func (o *Orchestrator) candidates(src *source.Descriptor) ([]geocode.Candidate, error) {
	path := filepath.Join(o.dataDir, src.RecordsFilename())
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "geocoding: %s: records file missing, run fetch first", src.Name)
	}

	var out []geocode.Candidate
	err := record.ReadJSONL(path, func(rec record.Record) error {
		if cand, ok := address.Select(rec, src); ok {
			out = append(out, cand)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "geocoding: %s", src.Name)
	}
	return out, nil
}

func (o *Orchestrator) fail(runID string, runErr error) {
	if o.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.runs.FailRun(ctx, runID, runErr); err != nil {
		zap.L().Error("failed to record run failure", zap.Error(err))
	}
}
