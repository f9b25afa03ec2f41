package acquire

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uk-ipop/opendata-pipeline/internal/config"
	"github.com/uk-ipop/opendata-pipeline/internal/fetcher"
	"github.com/uk-ipop/opendata-pipeline/internal/record"
	"github.com/uk-ipop/opendata-pipeline/internal/resilience"
	"github.com/uk-ipop/opendata-pipeline/internal/source"
)

// featurePage is an ArcGIS feature-service query response.
type featurePage struct {
	Features *[]struct {
		Attributes record.Record `json:"attributes"`
	} `json:"features"`
}

func (p *featurePage) records() []record.Record {
	if p.Features == nil {
		return nil
	}
	out := make([]record.Record, 0, len(*p.Features))
	for _, f := range *p.Features {
		if f.Attributes == nil {
			f.Attributes = record.Record{}
		}
		out = append(out, f.Attributes)
	}
	return out
}

// PaginatedFetcher walks an ArcGIS feature service with
// resultRecordCount/resultOffset pages. Pages are requested in windows of
// maxInFlight, all in flight at once; the walk ends at the first empty page.
// A window is never cut short, so a walk can request up to maxInFlight-1
// pages past the end (9 at the default of 10), and never past total plus
// margin. Records on pages after the first empty one are dropped.
type PaginatedFetcher struct {
	fetcher     fetcher.Fetcher
	pageSize    int
	margin      int
	maxInFlight int
	retry       resilience.RetryConfig
}

// NewPaginatedFetcher creates a PaginatedFetcher from the fetch config.
func NewPaginatedFetcher(f fetcher.Fetcher, cfg config.FetchConfig) *PaginatedFetcher {
	p := &PaginatedFetcher{
		fetcher:     f,
		pageSize:    cfg.PageSize,
		margin:      cfg.PageMargin,
		maxInFlight: cfg.MaxInFlight,
		retry: resilience.FromRetryConfig(
			cfg.PageMaxAttempts,
			cfg.PageInitialBackoff,
			cfg.PageMaxBackoff,
			2.0,
		),
	}
	if p.pageSize <= 0 {
		p.pageSize = 1000
	}
	if p.margin < 0 {
		p.margin = 0
	}
	if p.maxInFlight <= 0 {
		p.maxInFlight = 1
	}
	// Status, transport and missing-features failures are all retried.
	p.retry.ShouldRetry = func(error) bool { return true }
	return p
}

// Fetch returns every record of src in page order.
func (p *PaginatedFetcher) Fetch(ctx context.Context, src *source.Descriptor) ([]record.Record, error) {
	log := zap.L().With(zap.String("source", src.Name), zap.String("mode", src.Mode().String()))
	limit := src.TotalRecords + p.margin
	window := p.pageSize * p.maxInFlight

	var (
		out      []record.Record
		requests int
	)
	for start := 0; start < limit; start += window {
		var offsets []int
		for off := start; off < limit && off < start+window; off += p.pageSize {
			offsets = append(offsets, off)
		}

		slots := make([][]record.Record, len(offsets))
		var firstEmpty atomic.Int64
		firstEmpty.Store(math.MaxInt64)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.maxInFlight)
		for i, off := range offsets {
			g.Go(func() error {
				page, err := p.fetchPage(gctx, src, off)
				if err != nil {
					return err
				}
				slots[i] = page
				if len(page) == 0 {
					lowerTo(&firstEmpty, int64(i))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		requests += len(offsets)

		done := false
		for i, page := range slots {
			if int64(i) >= firstEmpty.Load() {
				done = true
				break
			}
			out = append(out, page...)
		}
		if done {
			break
		}
	}

	log.Info("paginated fetch complete",
		zap.Int("records", len(out)),
		zap.Int("requests", requests),
	)
	return out, nil
}

func (p *PaginatedFetcher) fetchPage(ctx context.Context, src *source.Descriptor, offset int) ([]record.Record, error) {
	pageURL, err := withQuery(src.URL,
		"resultRecordCount", itoa(p.pageSize),
		"resultOffset", itoa(offset),
	)
	if err != nil {
		return nil, err
	}

	cfg := p.retry
	cfg.OnRetry = resilience.RetryLogger(
		zap.L().With(zap.String("source", src.Name), zap.Int("offset", offset)),
		"fetch page", cfg.MaxAttempts,
	)

	var attempts int
	page, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]record.Record, error) {
		attempts++
		resp, err := fetcher.GetJSON[featurePage](ctx, p.fetcher, pageURL)
		if err != nil {
			return nil, err
		}
		if resp.Features == nil {
			return nil, eris.Wrapf(resilience.ErrMalformedResponse, "acquire: %s page at offset %d has no features", src.Name, offset)
		}
		return resp.records(), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "acquire: %s page at offset %d", src.Name, offset)
		}
		return nil, eris.Wrapf(&resilience.ExhaustedError{Attempts: attempts, Last: err},
			"acquire: %s page at offset %d", src.Name, offset)
	}
	return page, nil
}

// lowerTo stores v in a when v is smaller than the current value.
func lowerTo(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v >= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}
