package acquire

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uk-ipop/opendata-pipeline/internal/record"
	"github.com/uk-ipop/opendata-pipeline/internal/source"
	"github.com/uk-ipop/opendata-pipeline/internal/store"
)

// Orchestrator runs every source in declaration order, threading the
// identifier counter from one source to the next.
type Orchestrator struct {
	registry *Registry
	exporter *record.Exporter
	runs     store.RunLog
}

// Summary reports a completed fetch run.
type Summary struct {
	RunID  string
	Counts map[string]int
	Total  int
}

// NewOrchestrator creates an Orchestrator. runs may be nil.
func NewOrchestrator(reg *Registry, exp *record.Exporter, runs store.RunLog) *Orchestrator {
	return &Orchestrator{registry: reg, exporter: exp, runs: runs}
}

// Run fetches, labels and exports each source. The first failure aborts the
// run; sources exported before it keep their files. On success each
// descriptor's TotalRecords holds the count just fetched.
func (o *Orchestrator) Run(ctx context.Context, sources []*source.Descriptor) (*Summary, error) {
	log := zap.L().With(zap.String("component", "acquire.orchestrator"))
	start := time.Now()

	sum := &Summary{Counts: make(map[string]int, len(sources))}
	if o.runs != nil {
		id, err := o.runs.CreateRun(ctx, store.KindFetch)
		if err != nil {
			return nil, eris.Wrap(err, "acquire: create run")
		}
		sum.RunID = id
	}

	counter := 0
	for _, src := range sources {
		n, err := o.runSource(ctx, src, counter)
		if err != nil {
			o.fail(sum.RunID, err)
			return nil, err
		}
		counter += n
		sum.Counts[src.Name] = n
	}
	sum.Total = counter

	if o.runs != nil {
		if err := o.runs.CompleteRun(ctx, sum.RunID, sum.Counts); err != nil {
			log.Error("failed to record run completion", zap.Error(err))
		}
	}

	log.Info("fetch run complete",
		zap.Int("sources", len(sources)),
		zap.Int("records", sum.Total),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sum, nil
}

func (o *Orchestrator) runSource(ctx context.Context, src *source.Descriptor, counter int) (int, error) {
	strategy, err := o.registry.For(src)
	if err != nil {
		return 0, err
	}

	zap.L().Info("fetching source",
		zap.String("source", src.Name),
		zap.String("mode", src.Mode().String()),
		zap.Int("first_id", counter),
	)

	batch, err := strategy.Fetch(ctx, src)
	if err != nil {
		return 0, eris.Wrapf(err, "acquire: %s", src.Name)
	}

	record.ApplyComposites(batch, src.CompositeFields)
	record.Assign(batch, counter)

	if err := o.exporter.Export(src, batch); err != nil {
		return 0, err
	}
	src.TotalRecords = len(batch)
	return len(batch), nil
}

// fail records the failure with a fresh context so a cancelled run is still
// logged.
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
