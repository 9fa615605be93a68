package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		// Short SIG identifiers as written in gateway configs
		{in: "2A37", want: "2a37"},
		{in: "0x180D", want: "180d"},
		{in: " 180d ", want: "180d"},
		// SIG base UUIDs collapse to the short form the backends index by
		{in: "0000180D-0000-1000-8000-00805F9B34FB", want: "180d"},
		{in: "00002a3700001000800000805f9b34fb", want: "2a37"},
		// Vendor UUIDs keep all 128 bits
		{in: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", want: "6e400001b5a3f393e0a9e50e24dcca9e"},
		{in: "00002a37-1234-5678-9abc-def012345678", want: "00002a37123456789abcdef012345678"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeUUID(tt.in))
		})
	}
}

func TestValidateUUID(t *testing.T) {
	got, err := ValidateUUID("2A37", "0000180d-0000-1000-8000-00805f9b34fb", "6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	assert.NoError(t, err)
	assert.Equal(t, []string{"2a37", "180d", "6e400001b5a3f393e0a9e50e24dcca9e"}, got)

	_, err = ValidateUUID("2a37", "")
	assert.ErrorContains(t, err, "index 1", "empty identifiers MUST be rejected")

	for _, in := range []string{"zz12", "123", "0000290200001000800000805f9b34fb00"} {
		_, err := ValidateUUID(in)
		assert.Error(t, err, "%q MUST be rejected", in)
	}
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeMAC(" aa:bb:cc:dd:ee:ff "))
	// CoreBluetooth identifiers on macOS pass through upper-cased
	assert.Equal(t, "5D2B1A7E-1111-2222-3333-444455556666", NormalizeMAC("5d2b1a7e-1111-2222-3333-444455556666"))
}
