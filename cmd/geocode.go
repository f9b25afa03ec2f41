package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uk-ipop/opendata-pipeline/internal/geocoding"
	"github.com/uk-ipop/opendata-pipeline/internal/resilience"
	"github.com/uk-ipop/opendata-pipeline/pkg/geocode"
)

var (
	geocodeUseRemote bool
	geocodeCustomKey string
)

var geocodeCmd = &cobra.Command{
	Use:   "geocode",
	Short: "Geocode exported records that lack coordinates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runGeocode(cmd.Context(), cmd.OutOrStdout(), geocodeUseRemote, geocodeCustomKey)
	},
}

// geocodeKey returns the API key, preferring the command-line override.
func geocodeKey(custom string) (string, error) {
	key := cfg.Geocode.APIKey
	if custom != "" {
		key = custom
	}
	if key == "" {
		return "", eris.Wrap(resilience.ErrMissingConfiguration,
			"geocode: no ArcGIS API key; set ARCGIS_API_KEY or pass --custom-key")
	}
	return key, nil
}

func runGeocode(ctx context.Context, out io.Writer, useRemote bool, customKey string) error {
	key, err := geocodeKey(customKey)
	if err != nil {
		return err
	}

	set, err := sourceRepo(useRemote).Load(ctx)
	if err != nil {
		return err
	}

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close() //nolint:errcheck
	}

	arcgis := geocode.NewArcGISClient(key,
		geocode.WithHTTPClient(&http.Client{Timeout: cfg.Geocode.Timeout}),
		geocode.WithBaseURL(cfg.Geocode.BaseURL),
		geocode.WithRateLimit(cfg.Geocode.RateLimit),
		geocode.WithMaxRetries(cfg.Geocode.MaxRetries),
		geocode.WithRetryDelay(cfg.Geocode.RetryDelay),
	)
	var client geocode.Client = arcgis
	var cached *geocode.CachedClient
	if st != nil && cfg.Geocode.CacheTTLDays > 0 {
		cached = geocode.NewCachedClient(arcgis, st, time.Duration(cfg.Geocode.CacheTTLDays)*24*time.Hour)
		client = cached
	}

	orch := geocoding.NewOrchestrator(client, cfg.DataDir, geocoding.Options{
		Concurrency:   cfg.Geocode.Concurrency,
		SkipExhausted: cfg.Geocode.SkipExhausted,
		GeoJSON:       cfg.Geocode.GeoJSON,
		MaxAttempts:   arcgis.MaxAttempts(),
	}, runLog(st))

	sum, err := orch.Run(ctx, set.Sources)
	if err != nil {
		return err
	}
	if cached != nil {
		hits, misses := cached.Stats()
		zap.L().Info("geocode cache", zap.Int64("hits", hits), zap.Int64("misses", misses))
	}

	names := make([]string, 0, len(sum.Sources))
	for name := range sum.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := sum.Sources[name]
		fmt.Fprintf(out, "%-30s matched=%d unmatched=%d skipped=%d\n", name, s.Matched, s.Unmatched, s.Skipped)
	}
	return nil
}

func init() {
	geocodeCmd.Flags().BoolVar(&geocodeUseRemote, "use-remote", false, "read source descriptors from the remote repository")
	geocodeCmd.Flags().StringVar(&geocodeCustomKey, "custom-key", "", "ArcGIS API key overriding the configured one")
	rootCmd.AddCommand(geocodeCmd)
}
