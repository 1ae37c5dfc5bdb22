package cobracmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/flynn/opentoken/ctap2"
	"github.com/flynn/opentoken/ctap2token"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func Info() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "info",
		Short:        "Show the authenticator information of a device",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			infos, err := ctap2token.NewToken(dev).GetInfo()
			if err != nil {
				return err
			}
			return printInfo(cmd.OutOrStdout(), infos)
		},
	}

	addDeviceFlag(cmd)
	return cmd
}

func printInfo(w io.Writer, infos *ctap2.GetInfoResponse) error {
	aaguid, err := uuid.FromBytes(infos.AAGUID)
	if err != nil {
		return fmt.Errorf("invalid AAGUID %x: %w", infos.AAGUID, err)
	}

	opts := make([]string, 0, len(infos.Options))
	for name, v := range infos.Options {
		opts = append(opts, fmt.Sprintf("%s=%v", name, v))
	}
	sort.Strings(opts)

	fmt.Fprintf(w, "versions: %s\n", strings.Join(infos.Versions, ", "))
	fmt.Fprintf(w, "aaguid: %s\n", aaguid)
	fmt.Fprintf(w, "options: %s\n", strings.Join(opts, ", "))
	if len(infos.Extensions) > 0 {
		fmt.Fprintf(w, "extensions: %s\n", strings.Join(infos.Extensions, ", "))
	}
	if infos.MaxMsgSize > 0 {
		fmt.Fprintf(w, "max message size: %d\n", infos.MaxMsgSize)
	}
	return nil
}
