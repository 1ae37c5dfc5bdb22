package token

import (
	"time"

	"github.com/flynn/opentoken/ccid/mgmt"
	"github.com/flynn/opentoken/ctap2"
	"github.com/flynn/opentoken/ctaphid"
	"github.com/flynn/opentoken/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultAAGUID identifies OpenToken authenticators in GetInfo and
// attested credential data.
var DefaultAAGUID = uuid.MustParse("6f70656e-746f-6b65-6e00-000000000001")

// Config holds the device settings. The zero value is not usable; build
// one with New's options.
type Config struct {
	AAGUID          uuid.UUID
	Presence        ctap2.UserPresence
	PresenceTimeout time.Duration

	StorageRetry   retry.Policy
	CryptoRetry    retry.Policy
	TransportRetry retry.Policy

	Serial    uint32
	Version   mgmt.Version
	Indicator ctaphid.Indicator
	Clock     func() time.Time
	Logger    zerolog.Logger
}

func defaultConfig() Config {
	return Config{
		AAGUID:          DefaultAAGUID,
		PresenceTimeout: retry.UserPresenceTimeout,
		StorageRetry:    retry.Storage,
		CryptoRetry:     retry.Crypto,
		TransportRetry:  retry.Transport,
		Serial:          1,
		Version:         mgmt.DefaultVersion,
		Clock:           time.Now,
		Logger:          zerolog.Nop(),
	}
}

// An Option configures a Device.
type Option func(*Config)

func WithAAGUID(id uuid.UUID) Option {
	return func(c *Config) {
		c.AAGUID = id
	}
}

// WithPresence sets the user presence source. Without one every request
// that needs presence fails with CTAP2_ERR_OPERATION_DENIED.
func WithPresence(p ctap2.UserPresence) Option {
	return func(c *Config) {
		c.Presence = p
	}
}

func WithPresenceTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.PresenceTimeout = d
	}
}

// WithStorageRetry sets the policy for loading the storage image.
func WithStorageRetry(p retry.Policy) Option {
	return func(c *Config) {
		c.StorageRetry = p
	}
}

// WithCryptoRetry sets the policy for key generation.
func WithCryptoRetry(p retry.Policy) Option {
	return func(c *Config) {
		c.CryptoRetry = p
	}
}

// WithTransportRetry sets the policy used by host transports opened for
// this device.
func WithTransportRetry(p retry.Policy) Option {
	return func(c *Config) {
		c.TransportRetry = p
	}
}

func WithSerial(serial uint32) Option {
	return func(c *Config) {
		c.Serial = serial
	}
}

func WithVersion(v mgmt.Version) Option {
	return func(c *Config) {
		c.Version = v
	}
}

func WithIndicator(i ctaphid.Indicator) Option {
	return func(c *Config) {
		c.Indicator = i
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Clock = now
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
