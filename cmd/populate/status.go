package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datajoint/populate/internal/registry"
	"github.com/datajoint/populate/internal/targetregistry"
)

var statusCmd = &cobra.Command{
	Use:   "status [target]",
	Short: "list Jobs Registry records for a target, or every registered target",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		reg := registry.New(db, registry.CurrentIdentity())

		names := targetregistry.Names()
		if len(args) == 1 {
			names = []string{args[0]}
		}
		if len(names) == 0 {
			fmt.Println("populate: no targets registered")
			return nil
		}

		for _, name := range names {
			entry, err := targetregistry.Lookup(name)
			if err != nil {
				return err
			}
			records, err := reg.List(rootCtx, entry.Target.FullName)
			if err != nil {
				return fmt.Errorf("failed to list records for %s: %w", name, err)
			}
			fmt.Printf("%s: %d job record(s)\n", name, len(records))
			for _, rec := range records {
				fmt.Printf("  %s  status=%-8s  reserved_by=%s@%s[%d]  %s\n",
					rec.KeyHash, rec.Status, rec.User, rec.Host, rec.PID, rec.Timestamp)
			}
		}
		return nil
	},
}
