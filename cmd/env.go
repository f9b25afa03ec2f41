package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/uk-ipop/opendata-pipeline/internal/fetcher"
	"github.com/uk-ipop/opendata-pipeline/internal/source"
	"github.com/uk-ipop/opendata-pipeline/internal/store"
)

// sourceRepo returns the descriptor repository selected by --use-remote.
func sourceRepo(useRemote bool) source.Repository {
	if !useRemote {
		return &source.LocalStore{Path: cfg.Sources.Path}
	}
	gh := cfg.Sources.GitHub
	return &source.RemoteStore{
		RawURL: cfg.Sources.RemoteURL,
		APIURL: gh.APIURL,
		Repo:   gh.Repo,
		Path:   gh.Path,
		Branch: gh.Branch,
		Token:  gh.Token,
	}
}

// initStore opens and migrates the configured store. It returns nil when the
// driver is "none".
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "none":
		return nil, nil
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "pipeline.db")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, eris.Wrapf(err, "create %s", filepath.Dir(dsn))
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// runLog adapts a possibly nil store to the orchestrators' optional run log.
func runLog(st store.Store) store.RunLog {
	if st == nil {
		return nil
	}
	return st
}

func newFetcher(attempts int) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    cfg.Fetch.Timeout,
		MaxRetries: attempts,
		RateLimit:  cfg.Fetch.RateLimit,
	})
}
