package cobracmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/flynn/opentoken/iso7816"
	"github.com/spf13/cobra"
)

func APDU() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "apdu <hex>...",
		Short:        "Send raw APDUs to the smart card applets of a device",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			apdus, err := parseAPDUs(args)
			if err != nil {
				return err
			}

			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			for _, a := range apdus {
				res, err := dev.APDU(a)
				if err != nil {
					return err
				}
				if err := printResponse(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return nil
		},
	}

	addDeviceFlag(cmd)
	return cmd
}

// parseAPDUs decodes and validates hex command APDUs. Spaces and colons
// between bytes are ignored.
func parseAPDUs(args []string) ([][]byte, error) {
	out := make([][]byte, 0, len(args))
	for _, arg := range args {
		s := strings.NewReplacer(" ", "", ":", "").Replace(arg)
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid APDU %q: %w", arg, err)
		}
		if _, err := iso7816.ParseCommand(b); err != nil {
			return nil, fmt.Errorf("invalid APDU %q: %w", arg, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func printResponse(w io.Writer, raw []byte) error {
	res, err := iso7816.ParseResponse(raw)
	if err != nil {
		return err
	}
	if len(res.Data) > 0 {
		fmt.Fprintf(w, "%x ", res.Data)
	}
	fmt.Fprintf(w, "%s\n", res.Status)
	return nil
}
