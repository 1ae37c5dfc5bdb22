package cobracmd

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func Ping() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ping",
		Short:        "Check that a device echoes data back",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := cmd.Flags().GetInt("size")
			if err != nil {
				return err
			}
			wink, err := cmd.Flags().GetBool("wink")
			if err != nil {
				return err
			}

			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			msg := make([]byte, size)
			if _, err := rand.Read(msg); err != nil {
				return err
			}
			start := time.Now()
			res, err := dev.Ping(msg)
			if err != nil {
				return err
			}
			if !bytes.Equal(res, msg) {
				return fmt.Errorf("expected %x, got %x", msg, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d bytes echoed in %s\n", size, time.Since(start).Round(time.Millisecond))

			if wink {
				return dev.Wink()
			}
			return nil
		},
	}

	addDeviceFlag(cmd)
	cmd.Flags().Int("size", 400, "number of bytes to send")
	cmd.Flags().Bool("wink", false, "ask the device to identify itself afterwards")
	return cmd
}
