// Package mocks holds testify mocks of the go-ble backend seams.
package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/blegate/internal/device"
	"github.com/srg/blegate/internal/device/goble"
	"github.com/stretchr/testify/mock"
)

// MockRadio is a mock of goble.Radio.
type MockRadio struct {
	mock.Mock
}

// NewMockRadio creates a MockRadio whose expectations are asserted on test cleanup.
func NewMockRadio(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockRadio {
	m := &MockRadio{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockRadio) Scan(ctx context.Context, handler func(device.DiscoveredDevice)) error {
	ret := m.Called(ctx, handler)
	return ret.Error(0)
}

func (m *MockRadio) Dial(ctx context.Context, address string) (goble.GATTClient, error) {
	ret := m.Called(ctx, address)
	var client goble.GATTClient
	if fn, ok := ret.Get(0).(func(context.Context, string) (goble.GATTClient, error)); ok {
		return fn(ctx, address)
	}
	if v := ret.Get(0); v != nil {
		client = v.(goble.GATTClient)
	}
	return client, ret.Error(1)
}

func (m *MockRadio) Stop() error {
	ret := m.Called()
	return ret.Error(0)
}

// MockGATTClient is a mock of goble.GATTClient.
type MockGATTClient struct {
	mock.Mock
}

// NewMockGATTClient creates a MockGATTClient whose expectations are asserted on test cleanup.
func NewMockGATTClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockGATTClient {
	m := &MockGATTClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockGATTClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	ret := m.Called(force)
	var profile *ble.Profile
	if v := ret.Get(0); v != nil {
		profile = v.(*ble.Profile)
	}
	return profile, ret.Error(1)
}

func (m *MockGATTClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	ret := m.Called(c)
	var data []byte
	if v := ret.Get(0); v != nil {
		data = v.([]byte)
	}
	return data, ret.Error(1)
}

func (m *MockGATTClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	ret := m.Called(c, value, noRsp)
	return ret.Error(0)
}

func (m *MockGATTClient) CancelConnection() error {
	ret := m.Called()
	return ret.Error(0)
}

var (
	_ goble.Radio      = (*MockRadio)(nil)
	_ goble.GATTClient = (*MockGATTClient)(nil)
)
