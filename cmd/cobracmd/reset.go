package cobracmd

import (
	"errors"
	"fmt"

	"github.com/flynn/opentoken/ctap2token"
	"github.com/spf13/cobra"
)

func Reset() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "reset",
		Short:        "Delete all FIDO2 credentials and restore factory settings",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}

			if !dev.CapabilityCBOR {
				dev.Close()
				return errors.New("device doesn't support reset command")
			}

			if !userConfirm("WARNING! This will delete all FIDO credentials and restore factory settings. Proceed?") {
				dev.Close()
				return errors.New("operation canceled")
			}

			t := ctap2token.NewToken(dev)
			infos, err := t.GetInfo()
			dev.Close()
			if err != nil {
				return err
			}

			fmt.Println("Remove and re-insert your device to perform the reset...")
			if _, err := waitForDevice(cmd.Context(), infos.AAGUID, false); err != nil {
				return err
			}
			fmt.Println("Device removed, now you can re-insert it...")
			t, err = waitForDevice(cmd.Context(), infos.AAGUID, true)
			if err != nil {
				return err
			}
			fmt.Println("Confirm reset by pressing the user presence button...")
			if err := t.Reset(); err != nil {
				return err
			}
			fmt.Println("done!")
			return nil
		},
	}

	addDeviceFlag(cmd)
	return cmd
}
