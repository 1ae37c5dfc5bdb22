package cobracmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flynn/hid"
	"github.com/flynn/opentoken/ctap2token"
	"github.com/flynn/opentoken/tokenhid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func addDeviceFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("device", "d", "", "path to the HID device")
}

// selectDevice returns the device named by the --device flag, or the only
// connected device.
func selectDevice(cmd *cobra.Command) (*hid.DeviceInfo, error) {
	devicePath, err := cmd.Flags().GetString("device")
	if err != nil {
		return nil, err
	}

	devices, err := tokenhid.Devices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.New("no FIDO device detected")
	}

	if devicePath == "" {
		if len(devices) == 1 {
			return devices[0], nil
		}
		var b strings.Builder
		b.WriteString("multiple devices found, select one using the -d flag:")
		for _, d := range devices {
			fmt.Fprintf(&b, "\n  - %s: %s %s", d.Path, d.Manufacturer, d.Product)
		}
		return nil, errors.New(b.String())
	}

	for _, d := range devices {
		if d.Path == devicePath {
			return d, nil
		}
	}
	return nil, fmt.Errorf("cannot find FIDO device at %s", devicePath)
}

func openDevice(cmd *cobra.Command) (*tokenhid.Device, error) {
	info, err := selectDevice(cmd)
	if err != nil {
		return nil, err
	}
	return tokenhid.Open(cmd.Context(), info, tokenhid.WithLogger(*zerolog.Ctx(cmd.Context())))
}

func userConfirm(prompt string) bool {
	var s string

	fmt.Printf("%s (y/N): ", prompt)
	_, err := fmt.Scan(&s)
	if err != nil {
		return false
	}

	s = strings.TrimSpace(s)
	s = strings.ToLower(s)

	if s == "y" || s == "yes" {
		return true
	}
	return false
}

// waitForDevice polls until a device reporting the AAGUID id is plugged, or
// until none is left when plugged is false.
func waitForDevice(ctx context.Context, id []byte, plugged bool) (*ctap2token.Token, error) {
	for {
		found := false
		devices, _ := tokenhid.Devices()
		for _, d := range devices {
			dev, err := tokenhid.Open(ctx, d)
			if err != nil {
				continue
			}

			t := ctap2token.NewToken(dev)
			infos, err := t.GetInfo()
			if err != nil {
				dev.Close()
				continue
			}

			if bytes.Equal(infos.AAGUID, id) {
				found = true
				if plugged {
					return t, nil
				}
			}
			dev.Close()
		}

		if !found && !plugged {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
