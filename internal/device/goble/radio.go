package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/blegate/internal/device"
)

// GATTClient is the subset of ble.Client the backend drives once a link is up.
type GATTClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// Radio is the local adapter: advertisement scanning and dialing.
type Radio interface {
	Scan(ctx context.Context, handler func(device.DiscoveredDevice)) error
	Dial(ctx context.Context, address string) (GATTClient, error)
	Stop() error
}

// bleRadio adapts a ble.Device to Radio.
type bleRadio struct {
	dev ble.Device
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to device.DiscoveredDevice
func (r *bleRadio) Scan(ctx context.Context, handler func(device.DiscoveredDevice)) error {
	// Adapter: convert a handler expecting a device.DiscoveredDevice to the one expecting ble.Advertisement
	bleHandler := func(adv ble.Advertisement) {
		handler(device.DiscoveredDevice{
			MAC:  device.NormalizeMAC(adv.Addr().String()),
			Name: adv.LocalName(),
			RSSI: adv.RSSI(),
		})
	}
	return r.dev.Scan(ctx, false, bleHandler)
}

func (r *bleRadio) Dial(ctx context.Context, address string) (GATTClient, error) {
	client, err := r.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *bleRadio) Stop() error {
	return r.dev.Stop()
}

// RadioFactory creates the Radio used by Provider.Open.
// This is a variable so that it can be overridden in tests.
var RadioFactory = func() (Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	return &bleRadio{dev: dev}, nil
}
