package cobracmd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/flynn/opentoken/ctap2"
	"github.com/flynn/opentoken/ctap2token"
	"github.com/spf13/cobra"
)

func simFido() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fido",
		Short: "Use the FIDO2 authenticator of the simulated token",
	}
	cmd.AddCommand(simFidoRegister())
	cmd.AddCommand(simFidoLogin())
	cmd.AddCommand(simFidoList())
	cmd.AddCommand(simFidoDelete())
	return cmd
}

func clientDataHash() ([]byte, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	h := sha256.Sum256(challenge)
	return h[:], nil
}

func simFidoRegister() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "register <rpid>",
		Short:        "Create a credential for a relying party",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := cmd.Flags().GetString("user")
			if err != nil {
				return err
			}
			rk, err := cmd.Flags().GetBool("resident")
			if err != nil {
				return err
			}

			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			cdh, err := clientDataHash()
			if err != nil {
				return err
			}

			t := ctap2token.NewToken(ctap2token.Local(cmd.Context(), dev))
			resp, err := t.MakeCredential(&ctap2.MakeCredentialRequest{
				ClientDataHash: cdh,
				RP: ctap2.CredentialRpEntity{
					ID:   args[0],
					Name: args[0],
				},
				User: ctap2.CredentialUserEntity{
					ID:          []byte(user),
					Name:        user,
					DisplayName: user,
				},
				PubKeyCredParams: []ctap2.CredentialParam{ctap2.PublicKeyES256},
				Options:          ctap2.AuthenticatorOptions{"rk": rk},
			})
			if err != nil {
				return err
			}

			auth, err := resp.AuthData.Parse()
			if err != nil {
				return err
			}
			if auth.AttestedCredentialData == nil {
				return fmt.Errorf("missing attested credential data")
			}
			pub, err := auth.AttestedCredentialData.CredentialPublicKey.PublicKey()
			if err != nil {
				return err
			}
			point, err := pub.Bytes()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "credential id: %x\n", auth.AttestedCredentialData.CredentialID)
			fmt.Fprintf(w, "public key: %x\n", point)
			return nil
		},
	}

	cmd.Flags().String("user", "user", "user name and ID")
	cmd.Flags().Bool("resident", true, "store the credential on the token")
	return cmd
}

func simFidoLogin() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "login <rpid>",
		Short:        "Get assertions from every credential of a relying party",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			credID, err := cmd.Flags().GetString("credential")
			if err != nil {
				return err
			}
			pubHex, err := cmd.Flags().GetString("public-key")
			if err != nil {
				return err
			}

			req := &ctap2.GetAssertionRequest{RPID: args[0]}
			if credID != "" {
				id, err := hex.DecodeString(credID)
				if err != nil {
					return fmt.Errorf("invalid credential id: %w", err)
				}
				req.AllowList = []*ctap2.CredentialDescriptor{{ID: id, Type: ctap2.PublicKey}}
			}
			var pub *ecdsa.PublicKey
			if pubHex != "" {
				point, err := hex.DecodeString(pubHex)
				if err != nil {
					return fmt.Errorf("invalid public key: %w", err)
				}
				if pub, err = ecdsa.ParseUncompressedPublicKey(elliptic.P256(), point); err != nil {
					return fmt.Errorf("invalid public key: %w", err)
				}
			}

			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			if req.ClientDataHash, err = clientDataHash(); err != nil {
				return err
			}

			t := ctap2token.NewToken(ctap2token.Local(cmd.Context(), dev))
			resps, err := t.GetAssertions(req)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, r := range resps {
				auth, err := r.AuthData.Parse()
				if err != nil {
					return err
				}
				if r.User != nil {
					fmt.Fprintf(w, "user: %s\n", r.User.ID)
				}
				if r.Credential != nil {
					fmt.Fprintf(w, "credential id: %x\n", r.Credential.ID)
				}
				fmt.Fprintf(w, "sign count: %d\n", auth.SignCount)
				if pub != nil {
					digest := sha256.Sum256(append(append([]byte(nil), r.AuthData...), req.ClientDataHash...))
					fmt.Fprintf(w, "signature valid: %v\n", ecdsa.VerifyASN1(pub, digest[:], r.Signature))
				}
			}
			return nil
		},
	}

	cmd.Flags().String("credential", "", "hex credential id to allow (default any resident credential)")
	cmd.Flags().String("public-key", "", "hex uncompressed public key to verify the signatures with")
	return cmd
}

func simFidoList() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List stored credentials",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			creds, err := dev.ListCredentials()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, c := range creds {
				fmt.Fprintf(w, "%d\t%x\trp %x\tuser %s\tcount %d\n", c.Slot, c.ID, c.RPIDHash[:8], c.UserID, c.SignCount)
			}
			return nil
		},
	}
}

func simFidoDelete() *cobra.Command {
	return &cobra.Command{
		Use:          "delete <credential-id>",
		Short:        "Delete a stored credential",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("invalid credential id: %w", err)
			}
			dev, err := openSim(cmd)
			if err != nil {
				return err
			}
			if err := dev.DeleteCredential(id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		},
	}
}
