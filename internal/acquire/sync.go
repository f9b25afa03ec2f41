package acquire

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uk-ipop/opendata-pipeline/internal/config"
	"github.com/uk-ipop/opendata-pipeline/internal/fetcher"
	"github.com/uk-ipop/opendata-pipeline/internal/record"
	"github.com/uk-ipop/opendata-pipeline/internal/resilience"
	"github.com/uk-ipop/opendata-pipeline/internal/source"
)

type odataResponse struct {
	Value *[]record.Record `json:"value"`
}

// SyncFetcher pulls an open-data source in a single request.
type SyncFetcher struct {
	fetcher fetcher.Fetcher
	margin  int
}

// NewSyncFetcher creates a SyncFetcher from the fetch config.
func NewSyncFetcher(f fetcher.Fetcher, cfg config.FetchConfig) *SyncFetcher {
	return &SyncFetcher{fetcher: f, margin: max(cfg.BatchMargin, 0)}
}

// Fetch returns every record of src from one response.
func (s *SyncFetcher) Fetch(ctx context.Context, src *source.Descriptor) ([]record.Record, error) {
	log := zap.L().With(zap.String("source", src.Name), zap.String("mode", src.Mode().String()))

	var (
		batch []record.Record
		err   error
	)
	switch src.ResponseFormat {
	case source.FormatFeatures:
		batch, err = s.fetchFeatures(ctx, src)
	default:
		batch, err = s.fetchOData(ctx, src)
	}
	if err != nil {
		return nil, err
	}

	log.Info("sync fetch complete", zap.Int("records", len(batch)))
	return batch, nil
}

func (s *SyncFetcher) fetchOData(ctx context.Context, src *source.Descriptor) ([]record.Record, error) {
	top := src.TotalRecords + s.margin
	reqURL, err := withQuery(src.URL, "$top", itoa(top))
	if err != nil {
		return nil, err
	}

	resp, err := fetcher.GetJSON[odataResponse](ctx, s.fetcher, reqURL)
	if err != nil {
		return nil, eris.Wrapf(err, "acquire: fetch %s", src.Name)
	}
	if resp.Value == nil {
		return nil, eris.Wrapf(resilience.ErrMalformedResponse, "acquire: %s response has no value array", src.Name)
	}
	batch := *resp.Value
	for i, r := range batch {
		if r == nil {
			batch[i] = record.Record{}
		}
	}
	return batch, nil
}

// fetchFeatures handles portals that publish a full feature-service
// response without supporting a row limit.
func (s *SyncFetcher) fetchFeatures(ctx context.Context, src *source.Descriptor) ([]record.Record, error) {
	resp, err := fetcher.GetJSON[featurePage](ctx, s.fetcher, src.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "acquire: fetch %s", src.Name)
	}
	batch := resp.records()
	if len(batch) == 0 {
		return nil, eris.Wrapf(resilience.ErrMalformedResponse, "acquire: %s returned no features", src.Name)
	}
	return batch, nil
}
