package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/internal/device"
	"github.com/srg/blegate/internal/gateway"
	"github.com/srg/blegate/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	targetMAC = "AA:BB:CC:DD:EE:FF"
	otherMAC  = "11:22:33:44:55:66"
	hrService = "180d"
	hrMeasure = "2a37"
)

type RegistryTestSuite struct {
	suite.Suite

	helper   *testutils.TestHelper
	provider *testutils.FakeProvider
	registry *gateway.Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.provider = testutils.NewFakeProvider().
		AddDevice(targetMAC, "HRM", -50).
		AddDevice(otherMAC, "Thermo", -70).
		SetValue(targetMAC, hrService, hrMeasure, []byte{0x01, 0x02})
	s.Require().NoError(s.provider.Open(context.Background()))
	s.registry = gateway.NewRegistry(s.provider, s.helper.Logger)
}

func (s *RegistryTestSuite) TearDownTest() {
	s.registry.Close()
}

func (s *RegistryTestSuite) TestConnectIsIdempotent() {
	first, err := s.registry.Connect(context.Background(), "aa:bb:cc:dd:ee:ff", time.Second)
	s.Require().NoError(err)
	second, err := s.registry.Connect(context.Background(), targetMAC, time.Second)
	s.Require().NoError(err)

	s.Equal(targetMAC, first.MAC, "MAC MUST be normalized")
	s.Equal(first, second, "second connect MUST return the existing session")
	s.Equal(1, s.provider.ConnectCount(), "second connect MUST NOT dial")
	s.True(s.registry.IsConnected(targetMAC))
	s.True(first.LastRead.IsZero(), "new session MUST have no reads")
}

func (s *RegistryTestSuite) TestConcurrentConnectYieldsOneSession() {
	// GOAL: Verify concurrent connects for the same MAC collapse into a single session
	//
	// TEST SCENARIO: Slow dial → 16 concurrent connects → one dial, one session, same view for all

	s.provider.SetConnectDelay(50 * time.Millisecond)

	const callers = 16
	sessions := make([]gateway.Session, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = s.registry.Connect(context.Background(), targetMAC, time.Second)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i], "caller %d MUST succeed", i)
		s.Equal(sessions[0], sessions[i], "all callers MUST observe the same session")
	}
	s.Equal(1, s.registry.Len(), "registry MUST hold exactly one session")
	s.Equal(1, s.provider.ConnectCount(), "backend MUST be dialed once")
	s.Equal(1, s.provider.Live())
}

func (s *RegistryTestSuite) TestConnectErrors() {
	s.Run("unreachable", func() {
		_, err := s.registry.Connect(context.Background(), "DE:AD:BE:EF:00:01", time.Second)

		s.ErrorIs(err, device.ErrUnreachable)
		s.False(s.registry.IsConnected("DE:AD:BE:EF:00:01"))
	})

	s.Run("timeout", func() {
		s.provider.SetConnectDelay(time.Second)
		defer s.provider.SetConnectDelay(0)

		started := time.Now()
		_, err := s.registry.Connect(context.Background(), otherMAC, 30*time.Millisecond)

		s.ErrorIs(err, device.ErrConnectTimeout)
		s.Less(time.Since(started), 500*time.Millisecond, "connect MUST honor its timeout")
		s.Equal(0, s.registry.Len())
	})

	s.Run("backend reports already connected", func() {
		s.provider.SetConnectError(otherMAC, device.ErrAlreadyConnected)
		defer s.provider.SetConnectError(otherMAC, nil)

		_, err := s.registry.Connect(context.Background(), otherMAC, time.Second)

		s.ErrorIs(err, device.ErrAlreadyConnected)
	})

	s.Run("other backend failure is unreachable", func() {
		cause := errors.New("hci: command disallowed")
		s.provider.SetConnectError(otherMAC, cause)
		defer s.provider.SetConnectError(otherMAC, nil)

		_, err := s.registry.Connect(context.Background(), otherMAC, time.Second)

		s.ErrorIs(err, device.ErrUnreachable)
		s.ErrorIs(err, cause, "backend cause MUST stay inspectable")
	})

	s.Run("closed registry", func() {
		s.registry.Close()
		defer s.registry.Open()

		_, err := s.registry.Connect(context.Background(), targetMAC, time.Second)

		s.ErrorIs(err, gateway.ErrRegistryClosed)
		s.Equal(0, s.provider.Live(), "closed registry MUST NOT leave links behind")
	})
}

func (s *RegistryTestSuite) TestReadWriteUpdateTimestamps() {
	_, err := s.registry.Connect(context.Background(), targetMAC, time.Second)
	s.Require().NoError(err)

	data, err := s.registry.Read(context.Background(), targetMAC, hrService, hrMeasure, time.Second)
	s.Require().NoError(err)
	s.Equal([]byte{0x01, 0x02}, data)

	s.Require().NoError(s.registry.Write(context.Background(), targetMAC, hrService, "2a39", []byte{0x01}, time.Second))

	sess, ok := s.registry.Get(targetMAC)
	s.Require().True(ok)
	s.False(sess.LastRead.IsZero(), "read MUST update LastRead")
	s.False(sess.LastWrite.IsZero(), "write MUST update LastWrite")
	s.Require().Len(s.provider.Writes(), 1)
	s.Equal([]byte{0x01}, s.provider.Writes()[0].Data)
}

func (s *RegistryTestSuite) TestReadFailures() {
	_, err := s.registry.Connect(context.Background(), targetMAC, time.Second)
	s.Require().NoError(err)

	s.Run("no session", func() {
		_, err := s.registry.Read(context.Background(), otherMAC, hrService, hrMeasure, time.Second)

		var ioErr *device.IOError
		s.Require().ErrorAs(err, &ioErr)
		s.Equal("read", ioErr.Op)
		s.ErrorIs(err, device.ErrNotConnected)
	})

	s.Run("single failure keeps the session", func() {
		_, err := s.registry.Read(context.Background(), targetMAC, hrService, "2a38", time.Second)

		var notFound *device.NotFoundError
		s.ErrorAs(err, &notFound)
		s.True(s.registry.IsConnected(targetMAC), "failed read MUST NOT tear down the session")
	})

	s.Run("timeout", func() {
		s.provider.SetReadDelay(time.Second)
		defer s.provider.SetReadDelay(0)

		_, err := s.registry.Read(context.Background(), targetMAC, hrService, hrMeasure, 20*time.Millisecond)

		s.ErrorIs(err, device.ErrTimeout)
		s.True(s.registry.IsConnected(targetMAC), "timed out read MUST NOT tear down the session")
	})

	s.Run("lost link drops the session", func() {
		s.provider.DropLink(targetMAC)

		_, err := s.registry.Read(context.Background(), targetMAC, hrService, hrMeasure, time.Second)

		s.ErrorIs(err, device.ErrNotConnected)
		s.False(s.registry.IsConnected(targetMAC), "lost link MUST drop the session")
		s.Equal(0, s.provider.Live(), "handle MUST be released")
	})
}

func (s *RegistryTestSuite) TestAccessIsSerializedPerSession() {
	// GOAL: Verify reads and writes on one handle never overlap
	//
	// TEST SCENARIO: Slow reads and writes issued concurrently → backend never sees two at once

	_, err := s.registry.Connect(context.Background(), targetMAC, time.Second)
	s.Require().NoError(err)
	s.provider.SetReadDelay(5 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.registry.Read(context.Background(), targetMAC, hrService, hrMeasure, time.Second)
		}()
		go func() {
			defer wg.Done()
			_ = s.registry.Write(context.Background(), targetMAC, hrService, hrMeasure, []byte{0x03}, time.Second)
		}()
	}
	wg.Wait()

	s.Equal(1, s.provider.MaxConcurrentIO(), "hardware access MUST be serialized per device")
}

func (s *RegistryTestSuite) TestDisconnect() {
	s.Run("repeated disconnect is a no-op", func() {
		_, err := s.registry.Connect(context.Background(), targetMAC, time.Second)
		s.Require().NoError(err)

		s.registry.Disconnect(targetMAC)
		s.registry.Disconnect(targetMAC)

		s.False(s.registry.IsConnected(targetMAC))
		s.Equal(1, s.provider.DisconnectCount(), "second disconnect MUST be a no-op")
	})

	s.Run("backend failure still removes the session", func() {
		_, err := s.registry.Connect(context.Background(), targetMAC, time.Second)
		s.Require().NoError(err)
		s.provider.SetDisconnectError(errors.New("hci: unknown connection"))
		defer s.provider.SetDisconnectError(nil)

		s.registry.Disconnect(targetMAC)

		s.False(s.registry.IsConnected(targetMAC), "session MUST be removed regardless")
		s.True(s.helper.Logged(logrus.WarnLevel, "Failed to close device connection cleanly"))
	})

	s.Run("close disconnects everything", func() {
		for _, mac := range []string{targetMAC, otherMAC} {
			_, err := s.registry.Connect(context.Background(), mac, time.Second)
			s.Require().NoError(err)
		}
		s.Len(s.registry.Sessions(), 2)
		s.Equal(otherMAC, s.registry.Sessions()[0].MAC, "sessions MUST be ordered by MAC")

		s.registry.Close()

		s.Equal(0, s.registry.Len())
		s.Equal(0, s.provider.Live())
		s.True(s.helper.Logged(logrus.InfoLevel, "Device disconnected"))
	})
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
