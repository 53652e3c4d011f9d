package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/finlake/pkg/cache"
	"github.com/ajitpratap0/finlake/pkg/clock"
	"github.com/ajitpratap0/finlake/pkg/connector/core"
	"github.com/ajitpratap0/finlake/pkg/connector/registry"
	"github.com/ajitpratap0/finlake/pkg/json"
	"github.com/ajitpratap0/finlake/pkg/lake"
)

func (a *app) openLake() (*lake.Lake, error) {
	return lake.New(a.cfg.Lake, clock.New(), a.log)
}

func (a *app) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the response cache",
	}

	openCache := func() (*cache.ResponseCache, error) {
		return cache.New(a.cfg.Cache, clock.New(), a.log)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache entry counts and size",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := openCache()
			if err != nil {
				return err
			}
			stats, err := rc.Stats()
			if err != nil {
				return err
			}
			return json.MarshalToWriter(os.Stdout, stats, true)
		},
	})

	var (
		olderThan time.Duration
		expired   bool
	)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := openCache()
			if err != nil {
				return err
			}

			var removed int
			if expired {
				removed, err = rc.PurgeExpired()
			} else {
				removed, err = rc.Clear(olderThan)
			}
			if err != nil {
				return err
			}
			fmt.Printf("removed %d cache entries\n", removed)
			return nil
		},
	}
	clearCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only remove entries fetched longer ago than this (0 removes all)")
	clearCmd.Flags().BoolVar(&expired, "expired", false, "Only remove expired and corrupt entries")
	cmd.AddCommand(clearCmd)

	return cmd
}

func (a *app) listCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sources, remotes or lake datasets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "List source adapters and their datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tCONFIGURED\tCREDENTIALS\tDATASETS")
			for _, info := range registry.ListConnectorInfo() {
				if info.Type != string(core.ConnectorTypeSource) {
					continue
				}
				sc, configured := a.cfg.Sources[info.Name]
				creds := "-"
				if len(info.Credentials) > 0 {
					creds = "missing"
					if sc.HasCredentials() {
						creds = "ok"
					}
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", info.Name, configured, creds, strings.Join(info.Datasets, ","))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remotes",
		Short: "List remote mirror types",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, info := range registry.ListConnectorInfo() {
				if info.Type != string(core.ConnectorTypeRemote) {
					continue
				}
				marker := " "
				if info.Name == a.cfg.Remote.Type {
					marker = "*"
				}
				fmt.Printf("%s %-6s %s\n", marker, info.Name, info.Description)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "datasets",
		Short: "List datasets stored in the lake",
		RunE: func(cmd *cobra.Command, args []string) error {
			lk, err := a.openLake()
			if err != nil {
				return err
			}
			datasets, err := lk.Datasets()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATASET\tDOMAIN\tPARTITIONS\tFILES\tROWS\tBYTES")
			for _, d := range datasets {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", d.Dataset, d.Domain, d.Partitions, d.Files, d.Rows, d.Bytes)
			}
			return w.Flush()
		},
	})

	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the lake and its mirror state",
		RunE: func(cmd *cobra.Command, args []string) error {
			lk, err := a.openLake()
			if err != nil {
				return err
			}
			datasets, err := lk.Datasets()
			if err != nil {
				return err
			}

			var files int
			var rows, bytes int64
			for _, d := range datasets {
				files += d.Files
				rows += d.Rows
				bytes += d.Bytes
			}
			fmt.Printf("lake:     %s\n", lk.Root())
			fmt.Printf("datasets: %d\n", len(datasets))
			fmt.Printf("files:    %d (%d rows, %d bytes)\n", files, rows, bytes)

			if !a.cfg.Remote.Configured() {
				fmt.Println("remote:   not configured")
				return nil
			}
			name := a.cfg.Remote.DisplayName()
			records, err := lk.SyncRecords(name)
			if err != nil {
				return err
			}
			fmt.Printf("remote:   %s (%s), %d of %d files mirrored\n", name, a.cfg.Remote.Type, len(records), files)
			return nil
		},
	}
}

func (a *app) verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <dataset>",
		Short: "Re-hash a dataset's files against its manifests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lk, err := a.openLake()
			if err != nil {
				return err
			}
			report, err := lk.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := json.MarshalToWriter(os.Stdout, report, true); err != nil {
				return err
			}
			if len(report.Issues) > 0 {
				return fmt.Errorf("%d of %d files failed verification", len(report.Issues), report.Checked)
			}
			return nil
		},
	}
}
