package cobracmd

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/flynn/opentoken/ccid"
	"github.com/flynn/opentoken/ccid/oath"
	"github.com/flynn/opentoken/iso7816"
	"github.com/flynn/opentoken/token"
	"github.com/spf13/cobra"
)

func simOath() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oath",
		Short: "Manage OATH accounts of the simulated token",
	}
	cmd.AddCommand(simOathPut())
	cmd.AddCommand(simOathList())
	cmd.AddCommand(simOathCalc())
	cmd.AddCommand(simOathDelete())
	return cmd
}

// decodeSecret parses a base32 secret as printed by most services:
// case-insensitive, spaces allowed, padding optional.
func decodeSecret(s string) ([]byte, error) {
	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	s = strings.TrimRight(s, "=")
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
}

// transmit sends one APDU to the OATH applet, selecting it first.
func transmit(cmd *cobra.Command, dev *token.Device, ins byte, data []byte) (*iso7816.Response, error) {
	ctx := cmd.Context()
	sel, err := iso7816.NewCommand(0x00, 0xA4, 0x04, 0x00, ccid.AIDOATH, 256).Bytes()
	if err != nil {
		return nil, err
	}
	res, err := iso7816.ParseResponse(dev.HandleAPDU(ctx, sel))
	if err != nil {
		return nil, err
	}
	if err := res.Status.Err(); err != nil {
		return nil, fmt.Errorf("selecting OATH applet: %w", err)
	}

	raw, err := iso7816.NewCommand(0x00, ins, 0x00, 0x00, data, 256).Bytes()
	if err != nil {
		return nil, err
	}
	res, err = iso7816.ParseResponse(dev.HandleAPDU(ctx, raw))
	if err != nil {
		return nil, err
	}
	return res, res.Status.Err()
}

func simOathPut() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "put <name> <base32-secret>",
		Short:        "Add or replace an OATH account",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			hotp, err := cmd.Flags().GetBool("hotp")
			if err != nil {
				return err
			}
			sha256, err := cmd.Flags().GetBool("sha256")
			if err != nil {
				return err
			}
			digits, err := cmd.Flags().GetInt("digits")
			if err != nil {
				return err
			}
			counter, err := cmd.Flags().GetUint32("counter")
			if err != nil {
				return err
			}
			if digits < oath.MinDigits || digits > oath.MaxDigits {
				return fmt.Errorf("digits must be between %d and %d", oath.MinDigits, oath.MaxDigits)
			}

			secret, err := decodeSecret(args[1])
			if err != nil {
				return fmt.Errorf("invalid secret: %w", err)
			}

			prop := byte(oath.TypeTOTP)
			if hotp {
				prop = oath.TypeHOTP
			}
			if sha256 {
				prop |= oath.HashSHA256
			} else {
				prop |= oath.HashSHA1
			}

			var data []byte
			data = iso7816.AppendTLV(data, oath.TagName, []byte(args[0]))
			data = iso7816.AppendTLV(data, oath.TagKey, secret)
			data = iso7816.AppendTLV(data, oath.TagProperty, []byte{prop, byte(digits)})
			if hotp && counter > 0 {
				data = iso7816.AppendTLV(data, oath.TagIMF, binary.BigEndian.AppendUint32(nil, counter))
			}

			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			if _, err := transmit(cmd, dev, oath.InsPut, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().Bool("hotp", false, "counter based account (default time based)")
	cmd.Flags().Bool("sha256", false, "use HMAC-SHA256 (default HMAC-SHA1)")
	cmd.Flags().Int("digits", oath.DefaultDigits, "code length")
	cmd.Flags().Uint32("counter", 0, "initial HOTP counter")
	return cmd
}

func simOathList() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List OATH accounts",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			accts, err := dev.ListOath()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, a := range accts {
				kind, hash := "totp", "sha1"
				if a.Property&oath.TypeHOTP != 0 {
					kind = "hotp"
				}
				if a.Property&oath.HashSHA256 != 0 {
					hash = "sha256"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d digits", a.Name, kind, hash, a.Digits)
				if kind == "hotp" {
					fmt.Fprintf(w, "\tcounter %d", a.Counter)
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}
}

func simOathCalc() *cobra.Command {
	return &cobra.Command{
		Use:          "calc <name>",
		Short:        "Compute the current code of an OATH account",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			res, err := transmit(cmd, dev, oath.InsCalculate, iso7816.AppendTLV(nil, oath.TagName, []byte(args[0])))
			if err != nil {
				var se *iso7816.StatusError
				if errors.As(err, &se) && se.Status == iso7816.StatusFileNotFound {
					return fmt.Errorf("no account named %s", args[0])
				}
				return err
			}

			v, ok, err := iso7816.FindTLV(res.Data, oath.TagResponse)
			if err != nil {
				return err
			}
			if !ok || len(v) != 5 {
				return fmt.Errorf("unexpected response %x", res.Data)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%0*d\n", int(v[0]), binary.BigEndian.Uint32(v[1:]))
			return nil
		},
	}
}

func simOathDelete() *cobra.Command {
	return &cobra.Command{
		Use:          "delete <name>",
		Short:        "Delete an OATH account",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			if err := dev.DeleteOath([]byte(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
