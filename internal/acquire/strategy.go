// Package acquire downloads every configured source and labels the records
// with run-scoped identifiers.
package acquire

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/uk-ipop/opendata-pipeline/internal/config"
	"github.com/uk-ipop/opendata-pipeline/internal/fetcher"
	"github.com/uk-ipop/opendata-pipeline/internal/record"
	"github.com/uk-ipop/opendata-pipeline/internal/source"
)

// Strategy fetches the complete record batch for one source.
type Strategy interface {
	Fetch(ctx context.Context, src *source.Descriptor) ([]record.Record, error)
}

// Registry maps a resolved fetch mode to its strategy.
type Registry struct {
	strategies map[source.Mode]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[source.Mode]Strategy)}
}

// NewDefaultRegistry registers the paginated and sync-batch strategies.
// Paginated sources retry each page themselves, so pages should be a
// fetcher that does not retry on its own.
func NewDefaultRegistry(pages, batch fetcher.Fetcher, cfg config.FetchConfig) *Registry {
	r := NewRegistry()
	r.Register(source.ModePaginated, NewPaginatedFetcher(pages, cfg))
	r.Register(source.ModeSyncBatch, NewSyncFetcher(batch, cfg))
	return r
}

// Register sets the strategy used for mode.
func (r *Registry) Register(mode source.Mode, s Strategy) {
	r.strategies[mode] = s
}

// For returns the strategy for the descriptor's resolved mode.
func (r *Registry) For(src *source.Descriptor) (Strategy, error) {
	s, ok := r.strategies[src.Mode()]
	if !ok {
		return nil, eris.Errorf("acquire: no strategy for %s (mode %s)", src.Name, src.Mode())
	}
	return s, nil
}

// withQuery appends key=value pairs to rawURL's query string, leaving the
// existing query as published by the portal. Keys are written verbatim so
// OData system options like $top keep their literal form.
func withQuery(rawURL string, kv ...string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "acquire: parse url %q", rawURL)
	}
	var b strings.Builder
	b.WriteString(u.RawQuery)
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(kv[i])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[i+1]))
	}
	u.RawQuery = b.String()
	return u.String(), nil
}

func itoa(n int) string { return strconv.Itoa(n) }
