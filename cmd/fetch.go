package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uk-ipop/opendata-pipeline/internal/acquire"
	"github.com/uk-ipop/opendata-pipeline/internal/record"
)

var (
	fetchUseRemote    bool
	fetchUpdateRemote bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download every configured source and export its records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runFetch(cmd.Context(), cmd.OutOrStdout(), fetchUseRemote, fetchUpdateRemote)
	},
}

func runFetch(ctx context.Context, out io.Writer, useRemote, updateRemote bool) error {
	repo := sourceRepo(useRemote)
	set, err := repo.Load(ctx)
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

	// Pages are retried by the paginated strategy itself.
	reg := acquire.NewDefaultRegistry(newFetcher(1), newFetcher(cfg.Fetch.MaxRetries), cfg.Fetch)
	orch := acquire.NewOrchestrator(reg, record.NewExporter(cfg.DataDir), runLog(st))

	sum, err := orch.Run(ctx, set.Sources)
	if err != nil {
		return err
	}

	// Record counts are written back so the next run sizes its requests.
	target := repo
	if updateRemote {
		target = sourceRepo(true)
	} else if useRemote {
		target = sourceRepo(false)
	}
	if err := target.Save(ctx, set); err != nil {
		return eris.Wrap(err, "fetch: save source descriptors")
	}
	zap.L().Info("saved source descriptors", zap.Bool("remote", updateRemote))

	names := make([]string, 0, len(sum.Counts))
	for name := range sum.Counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%-30s %d\n", name, sum.Counts[name])
	}
	fmt.Fprintf(out, "%-30s %d\n", "total", sum.Total)
	return nil
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchUseRemote, "use-remote", false, "read source descriptors from the remote repository")
	fetchCmd.Flags().BoolVar(&fetchUpdateRemote, "update-remote", false, "write updated record counts to the remote repository")
	rootCmd.AddCommand(fetchCmd)
}
