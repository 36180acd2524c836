package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kabili207/zeta-go/core/identity"
)

func idCmd() *cobra.Command {
	keyFile := identity.DefaultKeyFile

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print the node's peer ID",
		Long:  `Print the peer ID stored in the key file, generating a new identity if the file does not exist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, created, err := identity.LoadOrGenerate(keyFile)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "generated new identity in %s\n", keyFile)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.PeerID())
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", keyFile, "node identity key file")
	return cmd
}
