package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCodeCategory(t *testing.T) {
	require.Equal(t, CategoryStorage, StorageWriteFailed.Category())
	require.Equal(t, CategoryTransport, TransportEndpointError.Category())
	require.Equal(t, CategoryTimeout, TimeoutUserPresence.Category())
	require.Equal(t, CategorySystem, SystemCriticalFail.Category())
	require.Equal(t, CategoryNone, Code(0xF001).Category())
	require.Equal(t, "0x4001", StorageWriteFailed.String())
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("flash busy")
	err := fmt.Errorf("commit: %w", New(StorageWriteFailed, SeverityError, "commit", base))

	require.ErrorIs(t, err, base)
	fe := Classify(err)
	require.Equal(t, StorageWriteFailed, fe.Code)
	require.Equal(t, CategoryStorage, fe.Category)
	require.EqualError(t, fe, "fault: commit: storage 0x4001: flash busy")

	require.Equal(t, CategoryTimeout, Classify(context.DeadlineExceeded).Category)
	require.Equal(t, CategorySystem, Classify(base).Category)
}

func TestMonitorSafeMode(t *testing.T) {
	m := NewMonitor(zerolog.Nop())
	cleaned := 0
	m.OnCleanup(func() { cleaned++ })

	require.Nil(t, m.Report(nil))
	m.Report(New(ProtocolMalformedPacket, SeverityWarning, "frame", nil))
	require.False(t, m.SafeMode())
	require.True(t, m.Healthy())
	require.Equal(t, 1, m.Count())

	m.Report(New(StorageCorruption, SeverityCritical, "init", errors.New("bad image")))
	require.True(t, m.SafeMode())
	require.False(t, m.Healthy())
	require.Equal(t, 1, cleaned)
	require.Equal(t, StorageCorruption, m.Last().Code)

	// cleanup runs once
	m.Report(New(SystemCriticalFail, SeverityCritical, "again", nil))
	require.Equal(t, 1, cleaned)

	m.Reset()
	require.False(t, m.SafeMode())
	require.Zero(t, m.Count())
	require.Nil(t, m.Last())
}

func TestMonitorRecovery(t *testing.T) {
	m := NewMonitor(zerolog.Nop())
	recovered := 0
	m.OnRecover(CategoryCrypto, func() error {
		recovered++
		return nil
	})

	m.Report(New(CryptoSignatureFail, SeverityError, "sign", nil))
	m.Report(New(StorageFull, SeverityError, "put", nil))
	require.Equal(t, 1, recovered)
	require.False(t, m.SafeMode())
}

func TestMonitorErrorCount(t *testing.T) {
	m := NewMonitor(zerolog.Nop())
	for i := 0; i < unhealthyCount; i++ {
		m.Report(New(ProtocolInvalidCommand, SeverityWarning, "cmd", nil))
	}
	require.False(t, m.Healthy())
	require.False(t, m.SafeMode())

	for i := unhealthyCount; i < criticalCount; i++ {
		m.Report(New(ProtocolInvalidCommand, SeverityWarning, "cmd", nil))
	}
	require.True(t, m.SafeMode())
}
