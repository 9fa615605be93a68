package lua

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/internal/testutils"
	"github.com/srg/blegate/pkg/config"
	"github.com/stretchr/testify/suite"
)

type ValueProviderTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	snap   *config.Snapshot
}

func (s *ValueProviderTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	snap, err := config.Parse(map[string]any{
		"enabled":           true,
		"target_mac":        "aa:bb:cc:dd:ee:ff",
		"service_id":        "180d",
		"characteristic_id": "2a39",
		"operation_mode":    "write",
	})
	s.Require().NoError(err)
	s.snap = snap
}

func (s *ValueProviderTestSuite) newProvider(script string) *ValueProvider {
	p, err := NewValueProvider(script, "test.lua", s.helper.Logger)
	s.Require().NoError(err, "script MUST load")
	s.T().Cleanup(p.Close)
	return p
}

func (s *ValueProviderTestSuite) TestReturnShapes() {
	cases := []struct {
		name     string
		script   string
		expected []byte
	}{
		{name: "hex string", script: `function next_value() return "0102" end`, expected: []byte{0x01, 0x02}},
		{name: "prefixed hex", script: `function next_value() return "0xff 00" end`, expected: []byte{0xff, 0x00}},
		{name: "byte array", script: `function next_value() return {1, 2, 255} end`, expected: []byte{0x01, 0x02, 0xff}},
		{name: "nil skips", script: `function next_value() return nil end`, expected: nil},
		{name: "empty table skips", script: `function next_value() return {} end`, expected: nil},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			p := s.newProvider(tc.script)

			value, err := p.Next(context.Background(), s.snap)

			s.Require().NoError(err)
			s.Equal(tc.expected, value, "value MUST match script result")
		})
	}
}

func (s *ValueProviderTestSuite) TestGlobalsAndStatePersist() {
	// GOAL: Verify the script sees the current target and keeps its own state between calls
	//
	// TEST SCENARIO: Counter script keyed by target_mac → two calls → 01 then 02

	p := s.newProvider(`
		local n = 0
		function next_value()
			if target_mac ~= "AA:BB:CC:DD:EE:FF" or characteristic_id ~= "2a39" then
				return nil
			end
			n = n + 1
			print("writing", n)
			return string.format("%02x", n)
		end
	`)

	first, err := p.Next(context.Background(), s.snap)
	s.Require().NoError(err)
	second, err := p.Next(context.Background(), s.snap)
	s.Require().NoError(err)

	s.Equal([]byte{0x01}, first)
	s.Equal([]byte{0x02}, second)
	s.True(s.helper.Logged(logrus.InfoLevel, "writing\t2"), "print output MUST reach the logger")
}

func (s *ValueProviderTestSuite) TestErrors() {
	s.Run("syntax error", func() {
		_, err := NewValueProvider(`function next_value( return 1 end`, "bad.lua", s.helper.Logger)

		s.Require().Error(err)
		s.ErrorIs(err, &LuaError{Type: "syntax"})
	})

	s.Run("missing function", func() {
		_, err := NewValueProvider(`x = 1`, "nofunc.lua", s.helper.Logger)

		s.Require().Error(err)
		s.ErrorIs(err, &LuaError{Type: "api"})
		s.Contains(err.Error(), ValueFunction)
	})

	s.Run("runtime error", func() {
		p := s.newProvider(`function next_value() error("boom") end`)

		_, err := p.Next(context.Background(), s.snap)

		s.Require().Error(err)
		s.ErrorIs(err, &LuaError{Type: "runtime"})
		s.Contains(err.Error(), "boom")
	})

	s.Run("invalid hex", func() {
		p := s.newProvider(`function next_value() return "zz" end`)

		_, err := p.Next(context.Background(), s.snap)

		s.Require().Error(err)
		s.Contains(err.Error(), "invalid hex")
	})

	s.Run("out of range byte", func() {
		p := s.newProvider(`function next_value() return {1, 300} end`)

		_, err := p.Next(context.Background(), s.snap)

		s.Require().Error(err)
		s.Contains(err.Error(), "outside byte range")
	})

	s.Run("cancelled context", func() {
		p := s.newProvider(`function next_value() return "01" end`)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := p.Next(ctx, s.snap)

		s.ErrorIs(err, context.Canceled)
	})

	s.Run("runaway script is cut by the instruction budget", func() {
		p := s.newProvider(`
calls = 0
function next_value()
  calls = calls + 1
  if calls == 1 then
    while true do end
  end
  return "01"
end`)
		p.InstructionLimit = 100_000

		done := make(chan error, 1)
		go func() {
			_, err := p.Next(context.Background(), s.snap)
			done <- err
		}()
		select {
		case err := <-done:
			s.ErrorIs(err, &LuaError{Type: "runtime"}, "endless next_value MUST fail instead of hanging")
		case <-time.After(5 * time.Second):
			s.FailNow("next_value MUST NOT run past its instruction budget")
		}

		value, err := p.Next(context.Background(), s.snap)
		s.Require().NoError(err, "provider MUST stay usable after a cut call")
		s.Equal([]byte{0x01}, value)
	})

	s.Run("closed provider", func() {
		p, err := NewValueProvider(`function next_value() return "01" end`, "closed.lua", s.helper.Logger)
		s.Require().NoError(err)
		p.Close()

		_, err = p.Next(context.Background(), s.snap)

		s.ErrorIs(err, &LuaError{Type: "api"})
	})
}

func (s *ValueProviderTestSuite) TestLoadFromFile() {
	path := s.helper.WriteFile("write.lua", `function next_value() return {0x0a} end`)

	p, err := LoadValueProvider(path, s.helper.Logger)
	s.Require().NoError(err)
	defer p.Close()

	value, err := p.Next(context.Background(), s.snap)
	s.Require().NoError(err)
	s.Equal([]byte{0x0a}, value)

	_, err = LoadValueProvider(path+".missing", s.helper.Logger)
	s.Error(err, "missing script file MUST fail")
}

func TestValueProviderTestSuite(t *testing.T) {
	suite.Run(t, new(ValueProviderTestSuite))
}
