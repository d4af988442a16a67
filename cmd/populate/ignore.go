package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datajoint/populate/internal/registry"
	"github.com/datajoint/populate/internal/relation/sqlrel"
	"github.com/datajoint/populate/internal/targetregistry"
	"github.com/datajoint/populate/internal/todo"
)

var ignoreRestriction string

var ignoreCmd = &cobra.Command{
	Use:   "ignore <target>",
	Short: "mark todo-set keys for a target as permanently skipped",
	Long: `ignore computes the target's current todo set (optionally
restricted) and records a status=ignore Jobs Registry entry for each
key, so future populate runs never attempt it. Existing reserved or
error records are left untouched; a subsequent run on an already
ignored key is a no-op.`,
	Args: cobra.ExactArgs(1),
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

		var restrictions []any
		if ignoreRestriction != "" {
			restrictions = append(restrictions, ignoreRestriction)
		}

		keys, err := todo.Compute(rootCtx, coll, nil, entry.Target, todo.Options{
			Restrictions: restrictions,
		})
		if err != nil {
			return fmt.Errorf("failed to compute todo set: %w", err)
		}

		var ignored int
		for _, key := range keys {
			ok, err := reg.Ignore(rootCtx, entry.Target.FullName, entry.Target.PrimaryKey, key)
			if err != nil {
				return fmt.Errorf("failed to ignore %v: %w", key, err)
			}
			if ok {
				ignored++
			}
		}
		fmt.Printf("populate: ignored %d of %d candidate keys for %s\n", ignored, len(keys), entry.Target.FullName)
		return nil
	},
}

func init() {
	ignoreCmd.Flags().StringVar(&ignoreRestriction, "restrict", "", "additional restriction narrowing the todo set before ignoring")
}
