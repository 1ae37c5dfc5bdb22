package cobracmd

import (
	"context"
	"fmt"

	"github.com/flynn/opentoken/ctap2"
	"github.com/flynn/opentoken/storage"
	"github.com/flynn/opentoken/token"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// simFs holds the flash images of simulated tokens.
var simFs = afero.NewOsFs()

// Sim returns the commands that run an OpenToken in-process against a
// flash image file.
func Sim() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a simulated OpenToken backed by a flash image",
	}

	cmd.PersistentFlags().String("image", "opentoken.img", "path to the flash image")
	cmd.PersistentFlags().String("uid", "opentoken-sim", "device unique ID the image is sealed to")
	cmd.PersistentFlags().Bool("prompt", false, "ask before approving user presence")

	cmd.AddCommand(simStatus())
	cmd.AddCommand(simOath())
	cmd.AddCommand(simFido())
	cmd.AddCommand(simAPDU())
	return cmd
}

func openSim(cmd *cobra.Command) (*token.Device, error) {
	image, err := cmd.Flags().GetString("image")
	if err != nil {
		return nil, err
	}
	uid, err := cmd.Flags().GetString("uid")
	if err != nil {
		return nil, err
	}
	prompt, err := cmd.Flags().GetBool("prompt")
	if err != nil {
		return nil, err
	}

	var presence ctap2.UserPresence = ctap2.AutoConfirm
	if prompt {
		presence = ctap2.PresenceFunc(func(ctx context.Context, req ctap2.PresenceRequest) (bool, error) {
			return userConfirm(fmt.Sprintf("Approve %s for %q?", req.Command, req.RPID)), nil
		})
	}

	return token.New(cmd.Context(), storage.NewFileFlash(simFs, image), []byte(uid),
		token.WithPresence(presence),
		token.WithLogger(*zerolog.Ctx(cmd.Context())),
	)
}

func simStatus() *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show storage usage",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			st, err := dev.Status()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "oath accounts: %d/%d\n", st.OathAccounts, storage.MaxOathAccounts)
			fmt.Fprintf(w, "fido2 credentials: %d/%d\n", st.Fido2Credentials, storage.MaxFido2Credentials)
			fmt.Fprintf(w, "key slots: %d\n", st.KeySlots)
			fmt.Fprintf(w, "pin retries: %d (admin %d)\n", st.PINRetries, st.AdminPINRetries)
			fmt.Fprintf(w, "counter: %d\n", st.Counter)
			return nil
		},
	}
}

func simAPDU() *cobra.Command {
	return &cobra.Command{
		Use:          "apdu <hex>...",
		Short:        "Send raw APDUs to the simulated applets",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			apdus, err := parseAPDUs(args)
			if err != nil {
				return err
			}
			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			for _, a := range apdus {
				if err := printResponse(cmd.OutOrStdout(), dev.HandleAPDU(cmd.Context(), a)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
