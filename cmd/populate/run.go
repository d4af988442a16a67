package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datajoint/populate/internal/populate"
	"github.com/datajoint/populate/internal/registry"
	"github.com/datajoint/populate/internal/relation"
	"github.com/datajoint/populate/internal/relation/sqlrel"
	"github.com/datajoint/populate/internal/targetregistry"
	"github.com/datajoint/populate/internal/types"
	"github.com/datajoint/populate/internal/workerpool"
)

var (
	runOrder          string
	runLimit          int
	runMaxCalls       int
	runProcesses      int
	runSuppressErrors bool
	runReserveJobs    bool
)

var runCmd = &cobra.Command{
	Use:   "run <target>",
	Short: "populate a registered target table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, err := targetregistry.Lookup(args[0])
		if err != nil {
			return err
		}

		store, err := sqlrel.Open(rootCtx, sqlrel.Config{
			Host: cfg.Host, Port: cfg.Port, User: cfg.User,
			Password: cfg.Password, Database: cfg.Database, TLS: cfg.TLS,
		})
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer store.Close()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		reg := registry.New(db, registry.CurrentIdentity())
		coll := sqlrel.NewCollaborator(store)
		store.GuardTable(entry.Target.FullName, guardFor(entry.Target))

		// Flags left unset fall back to the loaded configuration's defaults.
		opts := populate.Options{
			Order:          cfg.DefaultOrder,
			Limit:          cfg.DefaultLimit,
			MaxCalls:       cfg.DefaultMaxCalls,
			Processes:      cfg.DefaultWorkers,
			SuppressErrors: runSuppressErrors,
			ReserveJobs:    runReserveJobs,
		}
		flags := cmd.Flags()
		if flags.Changed("order") {
			opts.Order = parseOrderFlag(runOrder)
		}
		if flags.Changed("limit") {
			opts.Limit = runLimit
		}
		if flags.Changed("max-calls") {
			opts.MaxCalls = runMaxCalls
		}
		if flags.Changed("processes") {
			opts.Processes = runProcesses
		}
		if opts.Processes > 1 {
			opts.ConnFactory = workerConnFactory(entry.Target)
		}

		summary, err := populate.Populate(rootCtx, coll, reg, entry.Target, entry.Proc, opts)
		printSummary(summary)
		if err != nil {
			return err
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runOrder, "order", "original", "todo-set ordering: original, reverse, random")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "stop the todo set after N candidates (0 = unlimited)")
	runCmd.Flags().IntVar(&runMaxCalls, "max-calls", 0, "stop after N make invocations, failed ones included (0 = unlimited)")
	runCmd.Flags().IntVar(&runProcesses, "processes", 1, "number of concurrent workers (1 = in-process, sequential)")
	runCmd.Flags().BoolVar(&runSuppressErrors, "suppress-errors", false, "continue past per-key failures instead of aborting")
	runCmd.Flags().BoolVar(&runReserveJobs, "reserve-jobs", true, "reserve each key in the Jobs Registry before invoking make")
}

func parseOrderFlag(s string) populate.Order {
	switch s {
	case "reverse":
		return populate.OrderReverse
	case "random":
		return populate.OrderRandom
	default:
		return populate.OrderOriginal
	}
}

func printSummary(summary populate.Summary) {
	fmt.Fprintf(os.Stdout, "populate: %d succeeded, %d failed\n", summary.SuccessCount, len(summary.ErrorList))
	for _, entry := range summary.ErrorList {
		fmt.Fprintf(os.Stderr, "  %v: %v\n", entry.Key, entry.Err)
	}
}

// workerConnFactory opens one sqlrel.Store per worker, matching the
// teacher's per-process connection re-establishment (spec §4.6, §9).
// Each worker's store must be guarded independently — the guard's
// raised state lives on the target, but its registration lives on the
// Store, so a fresh connection starts out unguarded until told otherwise.
func workerConnFactory(target *types.TargetTable) workerpool.ConnFactory {
	return func(ctx context.Context) (relation.Collaborator, *registry.Registry, func(), error) {
		store, err := sqlrel.Open(ctx, sqlrel.Config{
			Host: cfg.Host, Port: cfg.Port, User: cfg.User,
			Password: cfg.Password, Database: cfg.Database, TLS: cfg.TLS,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("worker failed to connect: %w", err)
		}
		store.GuardTable(target.FullName, guardFor(target))

		db, err := openDB()
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		reg := registry.New(db, registry.CurrentIdentity())
		cleanup := func() {
			store.Close()
			db.Close()
		}
		return sqlrel.NewCollaborator(store), reg, cleanup, nil
	}
}
