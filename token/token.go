// Package token assembles the OpenToken core: storage, key management,
// the CTAP2 authenticator and the smart card applets, behind one Device
// that transports feed with CBOR messages, APDUs or raw HID reports.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/flynn/opentoken/ccid"
	"github.com/flynn/opentoken/ccid/mgmt"
	"github.com/flynn/opentoken/ccid/oath"
	"github.com/flynn/opentoken/ccid/openpgp"
	"github.com/flynn/opentoken/ctap2"
	"github.com/flynn/opentoken/ctaphid"
	"github.com/flynn/opentoken/fault"
	"github.com/flynn/opentoken/hsm"
	"github.com/flynn/opentoken/iso7816"
	"github.com/flynn/opentoken/retry"
	"github.com/flynn/opentoken/storage"
	"github.com/rs/zerolog"
)

// ErrSafeMode is returned by the management calls once a critical fault
// has disabled the device.
var ErrSafeMode = errors.New("token: device is in safe mode")

// Device is one OpenToken. It is safe for concurrent use.
type Device struct {
	cfg     Config
	log     zerolog.Logger
	store   *storage.Store
	hsm     *hsm.HSM
	ctap    *ctap2.Authenticator
	ccid    *ccid.Engine
	monitor *fault.Monitor
}

// New opens the storage image held in flash, sealed under uid, and brings
// up the engines. An image that cannot be authenticated is reformatted.
func New(ctx context.Context, flash storage.Flash, uid []byte, opts ...Option) (*Device, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	log := cfg.Logger.With().Str("component", "token").Logger()

	store, err := storage.New(flash, uid, storage.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fault.New(fault.SystemInitialization, fault.SeverityCritical, "open storage", err)
	}
	if err := retry.Run(ctx, cfg.StorageRetry, store.Init); err != nil {
		return nil, fault.New(fault.StorageReadFailed, fault.SeverityCritical, "load storage", err)
	}

	h, err := hsm.New(store, uid, hsm.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fault.New(fault.SystemInitialization, fault.SeverityCritical, "open hsm", err)
	}
	err = retry.Run(ctx, cfg.CryptoRetry, func() error {
		_, err := h.EnsureKey(hsm.SlotFIDO2)
		return err
	})
	if err != nil {
		return nil, fault.New(fault.CryptoKeyGeneration, fault.SeverityCritical, "fido2 master key", err)
	}

	d := &Device{
		cfg:     cfg,
		log:     log,
		store:   store,
		hsm:     h,
		monitor: fault.NewMonitor(cfg.Logger),
	}
	d.ctap = ctap2.New(h, ctap2.Config{
		AAGUID:          cfg.AAGUID,
		Presence:        cfg.Presence,
		PresenceTimeout: cfg.PresenceTimeout,
		Clock:           cfg.Clock,
		Logger:          cfg.Logger,
	})
	d.ccid = ccid.NewEngine(ccid.Applets{
		OATH: oath.New(store,
			oath.WithLogger(cfg.Logger),
			oath.WithClock(cfg.Clock),
		),
		OpenPGP: openpgp.New(h,
			openpgp.WithLogger(cfg.Logger),
			openpgp.WithSerial(cfg.Serial),
			openpgp.WithRetry(cfg.CryptoRetry),
		),
		Manager: mgmt.New(
			mgmt.WithLogger(cfg.Logger),
			mgmt.WithSerial(cfg.Serial),
			mgmt.WithVersion(cfg.Version),
		),
	}, ccid.WithLogger(cfg.Logger))

	d.monitor.OnCleanup(d.ccid.Reset)
	d.monitor.OnRecover(fault.CategoryStorage, store.Commit)

	st, err := store.Status()
	if err == nil {
		log.Info().
			Int("oath", st.OathAccounts).
			Int("fido2", st.Fido2Credentials).
			Int("keys", st.KeySlots).
			Msg("token ready")
	}
	return d, nil
}

// Monitor returns the fault monitor tracking this device.
func (d *Device) Monitor() *fault.Monitor {
	return d.monitor
}

// HSM returns the key-management layer.
func (d *Device) HSM() *hsm.HSM {
	return d.hsm
}

// HandleCBOR executes one CTAP2 command: the command byte followed by its
// CBOR parameters. In safe mode every command is refused.
func (d *Device) HandleCBOR(ctx context.Context, msg []byte) []byte {
	if d.monitor.SafeMode() {
		return []byte{byte(ctap2.StatusNotAllowed)}
	}
	resp := d.ctap.HandleCBOR(ctx, msg)

	var cmd ctap2.Command
	if len(msg) > 0 {
		cmd = ctap2.Command(msg[0])
	}
	op := "ctap2 " + cmd.String()
	switch status := ctap2.Status(resp[0]); status {
	case ctap2.StatusOther:
		d.monitor.Report(fault.New(fault.CryptoFailure, fault.SeverityError, op, status.Err()))
	case ctap2.StatusUserActionTimeout:
		d.monitor.Report(fault.New(fault.TimeoutUserPresence, fault.SeverityWarning, op, status.Err()))
	case ctap2.StatusKeyStoreFull:
		d.monitor.Report(fault.New(fault.StorageFull, fault.SeverityWarning, op, status.Err()))
	case ctap2.StatusInvalidCBOR, ctap2.StatusCBORUnexpectedType:
		d.monitor.Report(fault.New(fault.ProtocolMalformedPacket, fault.SeverityInfo, op, status.Err()))
	}
	return resp
}

// WaitingForUser reports whether a CTAP2 command is blocked on user
// presence.
func (d *Device) WaitingForUser() bool {
	return d.ctap.WaitingForUser()
}

// HandleAPDU executes one raw command APDU against the smart card applets
// and returns data‖SW. In safe mode every APDU gets 6985.
func (d *Device) HandleAPDU(ctx context.Context, apdu []byte) []byte {
	if d.monitor.SafeMode() {
		return iso7816.StatusResponse(iso7816.StatusConditionsNotSatisfied).Bytes()
	}
	resp := d.ccid.Process(ctx, apdu)

	sw := iso7816.Status(uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1]))
	op := "apdu " + d.ccid.Selected().String()
	switch sw {
	case iso7816.StatusMemoryFailure:
		d.monitor.Report(fault.New(fault.StorageWriteFailed, fault.SeverityError, op, sw.Err()))
	case iso7816.StatusUnknown:
		d.monitor.Report(fault.New(fault.CryptoFailure, fault.SeverityError, op, sw.Err()))
	}
	return resp
}

// NewHIDServer returns a CTAPHID server that answers reports with this
// device. Report writes are retried under the transport policy.
func (d *Device) NewHIDServer(out ctaphid.ReportWriter, opts ...ctaphid.Option) *ctaphid.Server {
	base := []ctaphid.Option{
		ctaphid.WithLogger(d.cfg.Logger),
		ctaphid.WithAPDUHandler(d),
		ctaphid.WithClock(d.cfg.Clock),
	}
	if d.cfg.Indicator != nil {
		base = append(base, ctaphid.WithIndicator(d.cfg.Indicator))
	}
	w := &retryWriter{out: out, policy: d.cfg.TransportRetry, monitor: d.monitor}
	return ctaphid.NewServer(w, d, append(base, opts...)...)
}

type retryWriter struct {
	out     ctaphid.ReportWriter
	policy  retry.Policy
	monitor *fault.Monitor
}

func (w *retryWriter) WriteReport(report []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), retry.TransportTimeout)
	defer cancel()
	err := retry.Run(ctx, w.policy, func() error {
		return w.out.WriteReport(report)
	})
	if err != nil {
		w.monitor.Report(fault.New(fault.TransportEndpointError, fault.SeverityError, "write report", err))
	}
	return err
}

// Status reports storage usage.
func (d *Device) Status() (storage.Status, error) {
	return d.store.Status()
}

// A Credential is a stored FIDO2 credential as listed by the management
// interface. The wrapped key is not exposed.
type Credential struct {
	Slot      int
	ID        []byte
	RPIDHash  [32]byte
	UserID    []byte
	SignCount uint32
	Resident  bool
}

// ListCredentials returns every stored FIDO2 credential.
func (d *Device) ListCredentials() ([]*Credential, error) {
	slots, err := d.store.ListFido2()
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(slots))
	for _, i := range slots {
		c, err := d.store.LoadFido2(i)
		if err != nil {
			return nil, fmt.Errorf("token: loading credential %d: %w", i, err)
		}
		out = append(out, &Credential{
			Slot:      i,
			ID:        c.ID,
			RPIDHash:  c.RPIDHash,
			UserID:    c.UserID,
			SignCount: c.SignCount,
			Resident:  c.Resident,
		})
	}
	return out, nil
}

// DeleteCredential removes the FIDO2 credential with the given ID.
func (d *Device) DeleteCredential(id []byte) error {
	if d.monitor.SafeMode() {
		return ErrSafeMode
	}
	i, err := d.store.FindFido2ByID(id)
	if err != nil {
		return err
	}
	if err := d.store.DeleteFido2(i); err != nil {
		d.monitor.Report(fault.New(fault.StorageWriteFailed, fault.SeverityError, "delete credential", err))
		return err
	}
	d.log.Info().Int("slot", i).Msg("credential deleted")
	return nil
}

// ListOath returns every stored OATH account.
func (d *Device) ListOath() ([]*storage.OathAccount, error) {
	return d.store.ListOath()
}

// DeleteOath removes the OATH account called name.
func (d *Device) DeleteOath(name []byte) error {
	if d.monitor.SafeMode() {
		return ErrSafeMode
	}
	if err := d.store.DeleteOath(name); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.monitor.Report(fault.New(fault.StorageWriteFailed, fault.SeverityError, "delete oath", err))
		}
		return err
	}
	d.log.Info().Msg("oath account deleted")
	return nil
}
