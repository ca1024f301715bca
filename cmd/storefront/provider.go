package main

import (
	"io"

	"github.com/REFFIX-BR/acaiteria-sub000/config"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/app"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/whatsapp/evolution"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// provider subcommands talk to the messaging provider directly, without the
// database, for pairing a device from the terminal and for diagnostics.
// Results are printed as JSON.
func newProviderCmd(configFile *string) *cobra.Command {
	var (
		token   string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Operate provider instances directly",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				if logger, err := zap.NewDevelopment(); err == nil {
					zap.ReplaceGlobals(logger)
				}
			}
		},
	}
	cmd.PersistentFlags().StringVar(&token, "token", "", "instance token")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every provider attempt")

	client := func() (*evolution.Client, error) {
		cfg, err := config.LoadConfig(*configFile)
		if err != nil {
			return nil, err
		}
		return evolution.NewClient(app.ProviderClientConfig(cfg.Provider))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "pair <instance> <phone>",
		Short: "Create an instance and print a pairing code for phone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.ConnectWithPairingCode(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pairOutput{
				Instance:        args[0],
				PairingArtifact: res.Pairing,
				InstanceToken:   res.InstanceToken,
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "qr <instance>",
		Short: "Fetch fresh pairing material for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			artifact, err := c.GetConnectionCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pairOutput{Instance: args[0], PairingArtifact: *artifact})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "state <instance>",
		Short: "Print the connection state of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			state, err := c.GetConnectionState(cmd.Context(), args[0], token)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stateOutput{Instance: args[0], State: state})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "send <instance> <to> <text>",
		Short: "Send a text message (requires --token)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			ack, err := c.SendTextMessage(cmd.Context(), args[0], token, args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ack)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "logout <instance>",
		Short: "Unlink the paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.LogoutInstance(cmd.Context(), args[0], token); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resultOutput{Instance: args[0], Result: "logged_out"})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <instance>",
		Short: "Delete an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.DeleteInstance(cmd.Context(), args[0], token); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resultOutput{Instance: args[0], Result: "deleted"})
		},
	})
	return cmd
}

type pairOutput struct {
	Instance string `json:"instance"`
	evolution.PairingArtifact
	InstanceToken string `json:"instance_token,omitempty"`
}

type stateOutput struct {
	Instance string                    `json:"instance"`
	State    evolution.ConnectionState `json:"state"`
}

type resultOutput struct {
	Instance string `json:"instance"`
	Result   string `json:"result"`
}

func printJSON(w io.Writer, v interface{}) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
