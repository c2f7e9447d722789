package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAllowCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow",
		Short: "Manage the allowlist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add ENTRY",
		Short: "Add an IP or CIDR to the allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := opts.files().AddAllow(args[0]); err != nil {
				return err
			}
			fmt.Printf("added %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove ENTRY",
		Short: "Remove an IP or CIDR from the allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := opts.files().RemoveAllow(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List allowlist entries",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			entries, err := opts.files().ListAllow()
			if err != nil {
				return err
			}
			for _, entry := range entries {
				fmt.Println(entry)
			}
			return nil
		},
	})

	return cmd
}

func newPendingCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Manage the pending list",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List IPs that were refused admission",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ips, entries, err := opts.files().ListPending()
			if err != nil {
				return err
			}
			for _, ip := range ips {
				entry := entries[ip]
				fmt.Printf("%s attempts=%d last_seen=%d\n",
					ip, entry.Attempts, entry.LastSeen)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove IP",
		Short: "Remove an IP from the pending list",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := opts.files().RemovePending(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear the pending list",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := opts.files().ClearPending(); err != nil {
				return err
			}
			fmt.Println("cleared pending list")
			return nil
		},
	})

	return cmd
}
