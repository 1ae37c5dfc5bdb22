package ctap2

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/opentoken/cborenc"
	"github.com/flynn/opentoken/hsm"
	"github.com/flynn/opentoken/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the authenticator's processing state. It returns to Idle after
// every response.
type State int32

const (
	StateIdle State = iota
	StateProcessing
	StateWaitingUserPresence
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateWaitingUserPresence:
		return "waiting for user presence"
	case StateError:
		return "error"
	}
	return "unknown"
}

const (
	// DefaultPresenceTimeout bounds every user-presence wait.
	DefaultPresenceTimeout = 30 * time.Second
	// NextAssertionTimeout is how long the remaining matches of a
	// GetAssertion stay available to GetNextAssertion.
	NextAssertionTimeout = 30 * time.Second

	credentialIDPrefix = "OT-"
)

// Config holds the authenticator settings.
type Config struct {
	AAGUID          uuid.UUID
	Presence        UserPresence
	PresenceTimeout time.Duration
	Clock           func() time.Time
	Logger          zerolog.Logger
}

// Authenticator executes CTAP2 commands against an HSM. Commands are
// serialized; the credential state is not reentrant.
type Authenticator struct {
	mu sync.Mutex

	hsm      *hsm.HSM
	store    *storage.Store
	aaguid   uuid.UUID
	presence UserPresence
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger

	state   atomic.Int32
	pending *pendingAssertion
}

type pendingAssertion struct {
	rpIDHash       [32]byte
	clientDataHash []byte
	slots          []int
	expires        time.Time
}

// New returns an authenticator backed by h.
func New(h *hsm.HSM, cfg Config) *Authenticator {
	a := &Authenticator{
		hsm:      h,
		store:    h.Store(),
		aaguid:   cfg.AAGUID,
		presence: cfg.Presence,
		timeout:  cfg.PresenceTimeout,
		now:      cfg.Clock,
		log:      cfg.Logger.With().Str("component", "ctap2").Logger(),
	}
	if a.presence == nil {
		a.presence = noPresence{}
	}
	if a.timeout <= 0 {
		a.timeout = DefaultPresenceTimeout
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// State returns the current processing state.
func (a *Authenticator) State() State {
	return State(a.state.Load())
}

// WaitingForUser reports whether a command is blocked on user presence.
func (a *Authenticator) WaitingForUser() bool {
	return a.State() == StateWaitingUserPresence
}

func (a *Authenticator) setState(s State) {
	a.state.Store(int32(s))
}

// HandleCBOR executes one command, msg being the command byte followed by
// its CBOR parameters. The result is the status byte followed by the CBOR
// response, if any.
func (a *Authenticator) HandleCBOR(ctx context.Context, msg []byte) []byte {
	if len(msg) == 0 {
		return []byte{byte(StatusInvalidLength)}
	}
	if len(msg) > MaxMessageSize {
		return []byte{byte(StatusRequestTooLarge)}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.setState(StateProcessing)
	defer a.setState(StateIdle)

	cmd := Command(msg[0])
	if cmd != CmdGetNextAssertion {
		a.pending = nil
	}

	var (
		resp   interface{}
		status Status
	)
	switch cmd {
	case CmdGetInfo:
		resp, status = a.getInfo()
	case CmdMakeCredential:
		resp, status = a.makeCredential(ctx, msg[1:])
	case CmdGetAssertion:
		resp, status = a.getAssertion(ctx, msg[1:])
	case CmdGetNextAssertion:
		resp, status = a.getNextAssertion()
	case CmdReset:
		status = a.reset(ctx)
	default:
		status = StatusInvalidCommand
	}

	if status != StatusSuccess {
		a.setState(StateError)
		a.log.Debug().Stringer("cmd", cmd).Stringer("status", status).Msg("command failed")
		return []byte{byte(status)}
	}
	if resp == nil {
		return []byte{byte(StatusSuccess)}
	}

	enc, err := cborenc.Marshal(resp)
	if err != nil {
		a.log.Error().Err(err).Stringer("cmd", cmd).Msg("encoding response")
		return []byte{byte(StatusOther)}
	}
	if len(enc)+1 > MaxMessageSize {
		return []byte{byte(StatusRequestTooLarge)}
	}
	return append([]byte{byte(StatusSuccess)}, enc...)
}

func decodeParams(params []byte, v interface{}) Status {
	if len(params) == 0 {
		return StatusMissingParameter
	}
	if err := cborenc.Unmarshal(params, v); err != nil {
		if cborenc.IsTypeError(err) {
			return StatusCBORUnexpectedType
		}
		return StatusInvalidCBOR
	}
	return StatusSuccess
}

func (a *Authenticator) getInfo() (*GetInfoResponse, Status) {
	return &GetInfoResponse{
		Versions:   Versions,
		Extensions: []string{},
		AAGUID:     a.aaguid[:],
		Options: AuthenticatorOptions{
			"rk":   true,
			"up":   true,
			"plat": false,
		},
		MaxMsgSize: MaxMessageSize,
	}, StatusSuccess
}

// confirm waits for user presence, bounded by the presence timeout.
func (a *Authenticator) confirm(ctx context.Context, req PresenceRequest) Status {
	a.setState(StateWaitingUserPresence)
	defer a.setState(StateProcessing)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ok, err := a.presence.Confirm(ctx, req)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return StatusUserActionTimeout
	case errors.Is(err, context.Canceled):
		return StatusKeepaliveCancel
	case err != nil:
		a.log.Warn().Err(err).Stringer("cmd", req.Command).Msg("user presence failed")
		return StatusOperationDenied
	case !ok:
		return StatusOperationDenied
	}
	return StatusSuccess
}

func supportsES256(params []CredentialParam) bool {
	for _, p := range params {
		if p.Type == PublicKey && p.Alg == ES256 {
			return true
		}
	}
	return false
}

// credentialID derives the ID of a new credential from the relying party,
// the user and the global counter.
func credentialID(rpIDHash [32]byte, userID []byte, counter uint32) []byte {
	id := make([]byte, 0, len(credentialIDPrefix)+8+4+4)
	id = append(id, credentialIDPrefix...)
	id = append(id, rpIDHash[:8]...)
	id = append(id, userID[:min(len(userID), 4)]...)
	return binary.BigEndian.AppendUint32(id, counter)
}

func (a *Authenticator) makeCredential(ctx context.Context, params []byte) (*MakeCredentialResponse, Status) {
	var req MakeCredentialRequest
	if st := decodeParams(params, &req); st != StatusSuccess {
		return nil, st
	}
	if len(req.ClientDataHash) == 0 || req.RP.ID == "" || req.User.ID == nil || len(req.PubKeyCredParams) == 0 {
		return nil, StatusMissingParameter
	}
	if len(req.ClientDataHash) != 32 {
		return nil, StatusInvalidLength
	}
	if len(req.User.ID) > storage.MaxUserIDLen {
		return nil, StatusLimitExceeded
	}
	if !supportsES256(req.PubKeyCredParams) {
		return nil, StatusUnsupportedAlgorithm
	}
	if !req.Options.option("up", true) {
		return nil, StatusInvalidOption
	}

	rpIDHash := RPIDHash(req.RP.ID)
	presence := PresenceRequest{Command: CmdMakeCredential, RPID: req.RP.ID, User: req.User.Name}

	for _, d := range req.ExcludeList {
		idx, err := a.store.FindFido2ByID(d.ID)
		if err != nil {
			continue
		}
		cred, err := a.store.LoadFido2(idx)
		if err == nil && cred.RPIDHash == rpIDHash {
			if st := a.confirm(ctx, presence); st != StatusSuccess {
				return nil, st
			}
			return nil, StatusCredentialExcluded
		}
	}

	if st := a.confirm(ctx, presence); st != StatusSuccess {
		return nil, st
	}
	if req.Options.option("uv", false) {
		return nil, StatusPINRequired
	}

	counter, err := a.store.NextCounter()
	if err != nil {
		a.log.Error().Err(err).Msg("advancing counter")
		return nil, StatusOther
	}
	id := credentialID(rpIDHash, req.User.ID, counter)

	pub, wrapped, err := a.hsm.NewCredentialKey(rpIDHash)
	if err != nil {
		a.log.Error().Err(err).Msg("generating credential key")
		return nil, StatusOther
	}

	rk := req.Options.option("rk", false)
	if rk {
		_, err := a.store.AddFido2(&storage.Fido2Credential{
			RPIDHash:   rpIDHash,
			UserID:     req.User.ID,
			ID:         id,
			WrappedKey: wrapped,
			Resident:   true,
		})
		switch {
		case errors.Is(err, storage.ErrFull):
			return nil, StatusKeyStoreFull
		case err != nil:
			a.log.Error().Err(err).Msg("storing credential")
			return nil, StatusOther
		}
	}

	key, err := NewCOSEKey(pub)
	if err != nil {
		return nil, StatusOther
	}
	authData, err := NewAuthData(rpIDHash, AuthDataFlag{UserPresent: true}, 0, &AttestedCredentialData{
		AAGUID:              a.aaguid[:],
		CredentialID:        id,
		CredentialPublicKey: key,
	})
	if err != nil {
		return nil, StatusOther
	}

	a.log.Info().Str("rp", req.RP.ID).Bool("rk", rk).Msg("credential created")
	return &MakeCredentialResponse{
		Fmt:      "none",
		AuthData: authData,
		AttSmt:   map[string]interface{}{},
	}, StatusSuccess
}

func (a *Authenticator) getAssertion(ctx context.Context, params []byte) (*GetAssertionResponse, Status) {
	var req GetAssertionRequest
	if st := decodeParams(params, &req); st != StatusSuccess {
		return nil, st
	}
	if req.RPID == "" || len(req.ClientDataHash) == 0 {
		return nil, StatusMissingParameter
	}
	if len(req.ClientDataHash) != 32 {
		return nil, StatusInvalidLength
	}

	rpIDHash := RPIDHash(req.RPID)
	slots, err := a.store.FindFido2ByRP(rpIDHash)
	if err != nil {
		return nil, StatusOther
	}
	if len(req.AllowList) > 0 {
		slots = a.filterAllowed(slots, req.AllowList)
	}
	if len(slots) == 0 {
		return nil, StatusNoCredentials
	}

	if st := a.confirm(ctx, PresenceRequest{Command: CmdGetAssertion, RPID: req.RPID}); st != StatusSuccess {
		return nil, st
	}
	if req.Options.option("uv", false) {
		return nil, StatusPINRequired
	}

	resp, st := a.assert(slots[0], rpIDHash, req.ClientDataHash)
	if st != StatusSuccess {
		return nil, st
	}
	if len(slots) > 1 {
		resp.NumberOfCredentials = len(slots)
		a.pending = &pendingAssertion{
			rpIDHash:       rpIDHash,
			clientDataHash: append([]byte(nil), req.ClientDataHash...),
			slots:          slots[1:],
			expires:        a.now().Add(NextAssertionTimeout),
		}
	}
	return resp, StatusSuccess
}

func (a *Authenticator) filterAllowed(slots []int, allow []*CredentialDescriptor) []int {
	var out []int
	for _, idx := range slots {
		cred, err := a.store.LoadFido2(idx)
		if err != nil {
			continue
		}
		for _, d := range allow {
			if d != nil && string(d.ID) == string(cred.ID) {
				out = append(out, idx)
				break
			}
		}
	}
	return out
}

func (a *Authenticator) getNextAssertion() (*GetAssertionResponse, Status) {
	p := a.pending
	if p == nil || len(p.slots) == 0 || a.now().After(p.expires) {
		a.pending = nil
		return nil, StatusNotAllowed
	}

	idx := p.slots[0]
	p.slots = p.slots[1:]
	if len(p.slots) == 0 {
		a.pending = nil
	}
	return a.assert(idx, p.rpIDHash, p.clientDataHash)
}

// assert bumps the sign counter of the credential in slot idx, persists it
// and signs authData‖clientDataHash.
func (a *Authenticator) assert(idx int, rpIDHash [32]byte, clientDataHash []byte) (*GetAssertionResponse, Status) {
	cred, err := a.store.LoadFido2(idx)
	if err != nil {
		return nil, StatusNoCredentials
	}

	count := cred.SignCount + 1
	if err := a.store.SetFido2SignCount(idx, count); err != nil {
		a.log.Error().Err(err).Msg("persisting sign count")
		return nil, StatusOther
	}

	authData, err := NewAuthData(rpIDHash, AuthDataFlag{UserPresent: true}, count, nil)
	if err != nil {
		return nil, StatusOther
	}
	msg := make([]byte, 0, len(authData)+len(clientDataHash))
	msg = append(msg, authData...)
	msg = append(msg, clientDataHash...)

	sig, err := a.hsm.SignCredential(rpIDHash, cred.WrappedKey, msg)
	if err != nil {
		a.log.Error().Err(err).Msg("signing assertion")
		return nil, StatusInvalidCredential
	}

	resp := &GetAssertionResponse{
		Credential: &CredentialDescriptor{ID: cred.ID, Type: PublicKey},
		AuthData:   authData,
		Signature:  sig,
	}
	if cred.Resident {
		resp.User = &CredentialUserEntity{ID: cred.UserID}
	}
	return resp, StatusSuccess
}

func (a *Authenticator) reset(ctx context.Context) Status {
	if st := a.confirm(ctx, PresenceRequest{Command: CmdReset}); st != StatusSuccess {
		return st
	}
	if err := a.store.DeleteAllFido2(); err != nil {
		a.log.Error().Err(err).Msg("deleting credentials")
		return StatusOther
	}
	if _, err := a.hsm.GenerateKey(hsm.SlotFIDO2); err != nil {
		a.log.Error().Err(err).Msg("regenerating master key")
		return StatusOther
	}
	a.log.Info().Msg("FIDO2 reset")
	return StatusSuccess
}
