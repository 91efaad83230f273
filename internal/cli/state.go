package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/groundctl/groundctl/pkg/state/backend"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and modify the state document",
	}

	cmd.AddCommand(newStateListCmd())
	cmd.AddCommand(newStateShowCmd())
	cmd.AddCommand(newStateRmCmd())
	cmd.AddCommand(newStateForceUnlockCmd())

	return cmd
}

func newStateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the resource instances recorded in state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			manager, err := createStateManager(cmd)
			if err != nil {
				return err
			}

			lock, err := manager.Lock(cmd.Context(), backend.LockShared, "state list")
			if err != nil {
				return err
			}
			defer func() { _ = lock.Unlock(cmd.Context()) }()

			doc, err := manager.ReadDocument(cmd.Context())
			if err != nil {
				return err
			}

			addresses := doc.Addresses()
			sort.Strings(addresses)
			for _, addr := range addresses {
				fmt.Println(addr)
			}
			return nil
		},
	}
}

func newStateShowCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <address>",
		Short: "Show the recorded attributes of one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			manager, err := createStateManager(cmd)
			if err != nil {
				return err
			}

			lock, err := manager.Lock(cmd.Context(), backend.LockShared, "state show")
			if err != nil {
				return err
			}
			defer func() { _ = lock.Unlock(cmd.Context()) }()

			doc, err := manager.ReadDocument(cmd.Context())
			if err != nil {
				return err
			}

			record := doc.Record(args[0])
			if record == nil {
				return fmt.Errorf("no instance %q in state", args[0])
			}

			switch format {
			case "json":
				return marshalJSON(record)
			case "yaml":
				return marshalYAML(record)
			case "table":
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "Address:\t%s\n", record.Address)
				fmt.Fprintf(w, "Kind:\t%s\n", record.Kind)
				fmt.Fprintf(w, "Provider ID:\t%s\n", record.ProviderID)
				if len(record.Dependencies) > 0 {
					fmt.Fprintf(w, "Depends on:\t%s\n", strings.Join(record.Dependencies, ", "))
				}
				fmt.Fprintf(w, "Created:\t%s\n", record.CreatedAt.Format("2006-01-02 15:04:05 MST"))
				fmt.Fprintf(w, "Updated:\t%s\n", record.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Println("\nAttributes:")
				return marshalJSON(record.Attributes)
			default:
				return fmt.Errorf("unknown format %q: expected json, yaml, or table", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, or yaml")

	return cmd
}

func newStateRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <address>",
		Short: "Forget an instance without deleting the real object",
		Long: `Rm removes a record from the state document. The real object is left
alone; the next plan will propose creating a fresh one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			manager, err := createStateManager(cmd)
			if err != nil {
				return err
			}

			lock, err := manager.Lock(cmd.Context(), backend.LockExclusive, "state rm")
			if err != nil {
				return err
			}
			defer func() { _ = lock.Unlock(cmd.Context()) }()

			doc, err := manager.ReadDocument(cmd.Context())
			if err != nil {
				return err
			}

			if doc.Record(args[0]) == nil {
				return fmt.Errorf("no instance %q in state", args[0])
			}
			doc.RemoveRecord(args[0])

			if err := manager.WriteDocument(cmd.Context(), doc); err != nil {
				return err
			}
			fmt.Printf("Removed %s from state.\n", args[0])
			return nil
		},
	}
}

func newStateForceUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-unlock <lock-id>",
		Short: "Remove a stale lock",
		Long: `Force-unlock removes a lock left behind by a crashed run. Only locks
older than the staleness threshold can be removed; active locks are
refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			manager, err := createStateManager(cmd)
			if err != nil {
				return err
			}

			if err := manager.ForceUnlock(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Lock %s removed.\n", args[0])
			return nil
		},
	}
}
