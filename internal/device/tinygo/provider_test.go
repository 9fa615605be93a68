package tinygo

import (
	"context"
	"testing"

	"github.com/srg/blegate/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

func TestParseUUID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bluetooth.UUID
	}{
		{name: "16-bit", in: "2a37", want: bluetooth.New16BitUUID(0x2a37)},
		{name: "16-bit upper-case with prefix", in: "0x180D", want: bluetooth.New16BitUUID(0x180d)},
		{name: "32-bit", in: "0000fe95", want: bluetooth.New32BitUUID(0xfe95)},
		{name: "SIG base collapses", in: "00002a37-0000-1000-8000-00805f9b34fb", want: bluetooth.New16BitUUID(0x2a37)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUUID(tt.in)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("128-bit vendor UUID", func(t *testing.T) {
		got, err := ParseUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")

		require.NoError(t, err)
		assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", got.String())
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		_, err := ParseUUID("2a3")
		assert.Error(t, err)
		_, err = ParseUUID("zzzz")
		assert.Error(t, err)
	})
}

type foreignHandle struct{}

func (foreignHandle) Address() string { return "AA:BB:CC:DD:EE:FF" }

func TestClosedProviderRejectsOperations(t *testing.T) {
	p := New(nil)

	_, err := p.Scan(context.Background(), 0)
	assert.ErrorIs(t, err, device.ErrBackendUnavailable, "scan on a closed provider MUST fail")

	_, err = p.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, device.ErrBackendUnavailable)

	_, err = p.Read(context.Background(), foreignHandle{}, "180d", "2a37")
	assert.ErrorIs(t, err, device.ErrNotConnected, "foreign handles MUST be rejected")
	assert.ErrorIs(t, p.Disconnect(foreignHandle{}), device.ErrNotConnected)
	assert.NoError(t, p.Close())
}
