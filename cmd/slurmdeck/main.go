package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"slurmdeck/internal/api"
	"slurmdeck/internal/config"
	"slurmdeck/internal/gitmeta"
	"slurmdeck/internal/hydra"
	"slurmdeck/internal/inventory"
	"slurmdeck/internal/jobs"
	"slurmdeck/internal/reconciler"
	"slurmdeck/internal/store"
)

var (
	flagListen   string
	flagClusters string
	flagInterval time.Duration
	flagVerbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "slurmdeck",
		Short: "Submit and track training jobs on shell-only Slurm clusters",
		PersistentPreRun: func(*cobra.Command, []string) {
			if flagVerbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}

	settings := config.LoadSettings()
	root.PersistentFlags().StringVar(&flagClusters, "clusters", settings.ClustersPath, "path to clusters.yaml")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		RunE:  func(*cobra.Command, []string) error { return runServe(settings) },
	}
	serve.Flags().StringVar(&flagListen, "listen", settings.Listen, "listen address")
	serve.Flags().DurationVar(&flagInterval, "poll-interval", settings.PollInterval, "job reconcile interval")

	check := &cobra.Command{
		Use:   "check <cluster>",
		Short: "Test the SSH connection to a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusters, err := config.Load(flagClusters)
			if err != nil {
				return err
			}
			res, err := inventory.NewService(clusters).TestConnection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	gpus := &cobra.Command{
		Use:   "gpus <cluster>",
		Short: "Show GPU availability on a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusters, err := config.Load(flagClusters)
			if err != nil {
				return err
			}
			snap, err := inventory.NewService(clusters).GPUAvailability(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}

	inspect := &cobra.Command{
		Use:   "inspect <repo-path>",
		Short: "Show repository metadata and hydra config groups for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			meta, err := gitmeta.Read(args[0])
			if err != nil {
				return err
			}
			out := map[string]any{"repo": meta}
			if cfg, err := hydra.Parse(afero.NewOsFs(), args[0]); err == nil {
				out["hydra"] = cfg
			}
			return printJSON(out)
		},
	}

	root.AddCommand(serve, check, gpus, inspect)

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runServe(settings config.Settings) error {
	clusters, err := config.Load(flagClusters)
	if err != nil {
		return err
	}
	log.Infof("config: listen=%s clusters=%d interval=%s", flagListen, len(clusters.Clusters), flagInterval)

	st := store.NewMemStore()
	inv := inventory.NewService(clusters)
	jobSvc := jobs.NewService(st, clusters, settings.LogTailLines)
	rec := reconciler.New(st, clusters, flagInterval, settings.LogTailLines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	srv := &http.Server{
		Addr:    flagListen,
		Handler: api.NewServer(clusters, inv, jobSvc, st, settings.LogTailLines).Handler(),
	}

	go func() {
		log.Infof("slurmdeck listening on %s", flagListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.Info("shutdown...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
