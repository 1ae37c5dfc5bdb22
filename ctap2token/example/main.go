package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/flynn/opentoken/ctap2"
	"github.com/flynn/opentoken/ctap2token"
	"github.com/flynn/opentoken/tokenhid"
)

func main() {
	devices, err := tokenhid.Devices()
	if err != nil {
		panic(err)
	}

	for _, d := range devices {
		dev, err := tokenhid.Open(context.Background(), d)
		if err != nil {
			panic(err)
		}

		token := ctap2token.NewToken(dev)

		infos, err := token.GetInfo()
		if err != nil {
			panic(err)
		}
		fmt.Printf("Token infos:\n%#v\n", infos)

		clientDataHash := make([]byte, 32)
		if _, err := rand.Read(clientDataHash); err != nil {
			panic(err)
		}

		userID := make([]byte, 32)
		if _, err := rand.Read(userID); err != nil {
			panic(err)
		}

		fmt.Println("Sending makeCredential request, please press authenticator button...")
		resp, err := token.MakeCredential(&ctap2.MakeCredentialRequest{
			ClientDataHash: clientDataHash,
			RP: ctap2.CredentialRpEntity{
				ID:   "example.com",
				Name: "Acme",
			},
			User: ctap2.CredentialUserEntity{
				ID:          userID,
				Name:        "johnpsmith@example.com",
				DisplayName: "John P. Smith",
			},
			PubKeyCredParams: []ctap2.CredentialParam{
				ctap2.PublicKeyES256,
			},
			Options: ctap2.AuthenticatorOptions{
				"uv": false,
			},
		})
		if err != nil {
			panic(err)
		}
		fmt.Println("Success creating credential")

		mcpAuthData, err := resp.AuthData.Parse()
		if err != nil {
			panic(err)
		}
		fmt.Printf("credentialID: %x\n", mcpAuthData.AttestedCredentialData.CredentialID)

		fmt.Println("Sending GetAssertion request, please press authenticator button...")
		getAssertionResp, err := token.GetAssertion(&ctap2.GetAssertionRequest{
			RPID: "example.com",
			AllowList: []*ctap2.CredentialDescriptor{
				{
					ID:         mcpAuthData.AttestedCredentialData.CredentialID,
					Transports: []ctap2.AuthenticatorTransport{ctap2.USB},
					Type:       ctap2.PublicKey,
				},
			},
			ClientDataHash: clientDataHash,
		})
		if err != nil {
			panic(err)
		}

		if !bytes.Equal(getAssertionResp.Credential.ID, mcpAuthData.AttestedCredentialData.CredentialID) {
			panic("CredentialID mismatch")
		}
		fmt.Printf("Found credential %x\n", getAssertionResp.Credential.ID)

		// Verify signature with the public key from MakeCredential
		pubkey, err := mcpAuthData.AttestedCredentialData.CredentialPublicKey.PublicKey()
		if err != nil {
			panic(err)
		}

		hash := sha256.New()
		if _, err := hash.Write(getAssertionResp.AuthData); err != nil {
			panic(err)
		}
		if _, err := hash.Write(clientDataHash); err != nil {
			panic(err)
		}

		if !ecdsa.VerifyASN1(pubkey, hash.Sum(nil), getAssertionResp.Signature) {
			panic("invalid signature")
		}
		fmt.Println("Signature verified!")
		dev.Close()
	}
}
