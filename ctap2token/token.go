// Package ctap2token is the host side of CTAP2: it encodes authenticator
// commands, sends them through a Device and decodes the responses.
package ctap2token

import (
	"context"
	"errors"

	"github.com/flynn/opentoken/cborenc"
	"github.com/flynn/opentoken/ctap2"
)

type Device interface {
	// CBOR sends a CBOR encoded message to the device and returns the response.
	CBOR(data []byte) ([]byte, error)
}

// A Handler executes CTAP2 messages in-process, like token.Device.
type Handler interface {
	HandleCBOR(ctx context.Context, msg []byte) []byte
}

// Local adapts an in-process Handler to Device.
func Local(ctx context.Context, h Handler) Device {
	return &local{ctx: ctx, h: h}
}

type local struct {
	ctx context.Context
	h   Handler
}

func (l *local) CBOR(data []byte) ([]byte, error) {
	return l.h.HandleCBOR(l.ctx, data), nil
}

// NewToken returns a token that will use Device to communicate with the device.
func NewToken(d Device) *Token {
	return &Token{d: d}
}

// A Token sends CTAP2 authenticator commands to a device.
type Token struct {
	d Device
}

func (t *Token) call(cmd ctap2.Command, req, resp interface{}) error {
	data := []byte{byte(cmd)}
	if req != nil {
		reqData, err := cborenc.Marshal(req)
		if err != nil {
			return err
		}
		data = append(data, reqData...)
	}

	out, err := t.d.CBOR(data)
	if err != nil {
		return err
	}
	if resp == nil {
		return checkResponse(out)
	}
	return unmarshal(out, resp)
}

func (t *Token) MakeCredential(req *ctap2.MakeCredentialRequest) (*ctap2.MakeCredentialResponse, error) {
	respData := &ctap2.MakeCredentialResponse{}
	if err := t.call(ctap2.CmdMakeCredential, req, respData); err != nil {
		return nil, err
	}
	return respData, nil
}

func (t *Token) GetAssertion(req *ctap2.GetAssertionRequest) (*ctap2.GetAssertionResponse, error) {
	respData := &ctap2.GetAssertionResponse{}
	if err := t.call(ctap2.CmdGetAssertion, req, respData); err != nil {
		return nil, err
	}
	return respData, nil
}

// GetNextAssertion returns the next credential matched by the previous
// GetAssertion.
func (t *Token) GetNextAssertion() (*ctap2.GetAssertionResponse, error) {
	respData := &ctap2.GetAssertionResponse{}
	if err := t.call(ctap2.CmdGetNextAssertion, nil, respData); err != nil {
		return nil, err
	}
	return respData, nil
}

// GetAssertions returns the assertions of every credential matching req,
// following up GetAssertion with GetNextAssertion as needed.
func (t *Token) GetAssertions(req *ctap2.GetAssertionRequest) ([]*ctap2.GetAssertionResponse, error) {
	first, err := t.GetAssertion(req)
	if err != nil {
		return nil, err
	}
	out := []*ctap2.GetAssertionResponse{first}
	for i := 1; i < first.NumberOfCredentials; i++ {
		next, err := t.GetNextAssertion()
		if err != nil {
			return nil, err
		}
		out = append(out, next)
	}
	return out, nil
}

func (t *Token) GetInfo() (*ctap2.GetInfoResponse, error) {
	infos := &ctap2.GetInfoResponse{}
	if err := t.call(ctap2.CmdGetInfo, nil, infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Reset restore an authenticator back to a factory default state. User presence is required.
// In case of authenticators with no display, Reset request MUST have come to the authenticator within 10 seconds
// of powering up of the authenticator
// see: https://fidoalliance.org/specs/fido2/fido-client-to-authenticator-protocol-v2.1-rd-20191217.html#authenticatorReset
func (t *Token) Reset() error {
	return t.call(ctap2.CmdReset, nil, nil)
}

// checkResponse returns a *ctap2.StatusError for any status but success.
func checkResponse(resp []byte) error {
	if len(resp) == 0 {
		return errors.New("ctap2token: empty response")
	}

	return ctap2.Status(resp[0]).Err()
}

func unmarshal(resp []byte, out interface{}) error {
	if err := checkResponse(resp); err != nil {
		return err
	}

	if err := cborenc.Unmarshal(resp[1:], out); err != nil {
		return err
	}

	return nil
}
