package lua

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/pkg/config"
)

// ValueFunction is the global a write script must define.
const ValueFunction = "next_value"

// DefaultInstructionLimit bounds the Lua VM instructions a single next_value() call may run.
// The VM cannot observe a context, so a runaway script is cut by this budget instead.
const DefaultInstructionLimit = 10_000_000

// ValueProvider computes write payloads by calling the script's next_value() function.
//
// Before each call the globals target_mac, service_id and characteristic_id are set from the
// current snapshot. next_value may return a hex string, an array of byte values, or nil to skip
// the cycle. Script globals persist between calls.
type ValueProvider struct {
	engine *LuaEngine
	name   string

	// InstructionLimit is the per-call budget; 0 selects DefaultInstructionLimit.
	InstructionLimit int
}

// NewValueProvider loads script and checks that it defines next_value.
func NewValueProvider(script, name string, logger *logrus.Logger) (*ValueProvider, error) {
	engine := NewLuaEngine(logger)
	if err := engine.LoadScript(script, name); err != nil {
		engine.Close()
		return nil, err
	}
	p := &ValueProvider{engine: engine, name: name}
	if err := p.checkFunction(); err != nil {
		engine.Close()
		return nil, err
	}
	return p, nil
}

// LoadValueProvider reads the script from path.
func LoadValueProvider(path string, logger *logrus.Logger) (*ValueProvider, error) {
	engine := NewLuaEngine(logger)
	if err := engine.LoadScriptFile(path); err != nil {
		engine.Close()
		return nil, err
	}
	p := &ValueProvider{engine: engine, name: path}
	if err := p.checkFunction(); err != nil {
		engine.Close()
		return nil, err
	}
	return p, nil
}

func (p *ValueProvider) checkFunction() error {
	return p.engine.DoWithState(func(L *lua.State) error {
		L.GetGlobal(ValueFunction)
		defer L.Pop(1)
		if !L.IsFunction(-1) {
			return &LuaError{Type: "api", Message: fmt.Sprintf("function %s not defined", ValueFunction), Source: p.name}
		}
		return nil
	})
}

// Next calls next_value() and converts its result to bytes. ctx is checked before the call;
// a call that exceeds the instruction budget fails with a runtime LuaError.
func (p *ValueProvider) Next(ctx context.Context, snap *config.Snapshot) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := p.engine.DoWithState(func(L *lua.State) error {
		globals := map[string]string{
			"target_mac":        snap.TargetMAC,
			"service_id":        snap.ServiceID,
			"characteristic_id": snap.CharacteristicID,
		}
		for name, v := range globals {
			if err := setGlobal(L, name, v); err != nil {
				return err
			}
		}

		limit := p.InstructionLimit
		if limit <= 0 {
			limit = DefaultInstructionLimit
		}
		L.SetExecutionLimit(limit)
		defer L.SetExecutionLimit(0)

		L.GetGlobal(ValueFunction)
		if err := L.Call(0, 1); err != nil {
			L.SetTop(0)
			return newLuaError("runtime", p.name, err)
		}
		defer L.Pop(1)

		var err error
		value, err = toBytes(L, -1)
		if err != nil {
			return &LuaError{Type: "api", Message: err.Error(), Source: p.name}
		}
		return nil
	})
	return value, err
}

// toBytes converts the value at idx: nil -> empty, string -> hex decoded, table -> byte array.
func toBytes(L *lua.State, idx int) ([]byte, error) {
	switch {
	case L.IsNil(idx):
		return nil, nil
	case L.Type(idx) == lua.LUA_TSTRING:
		s := strings.TrimPrefix(strings.TrimSpace(L.ToString(idx)), "0x")
		s = strings.NewReplacer(" ", "", ":", "").Replace(s)
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%s returned invalid hex %q", ValueFunction, s)
		}
		return b, nil
	case L.IsTable(idx):
		if idx < 0 {
			idx = L.GetTop() + idx + 1 // pushes below shift relative indexes
		}
		var out []byte
		for i := 1; ; i++ {
			L.RawGeti(idx, i)
			if L.IsNil(-1) {
				L.Pop(1)
				return out, nil
			}
			if !L.IsNumber(-1) {
				L.Pop(1)
				return nil, fmt.Errorf("%s returned a non-numeric element at %d", ValueFunction, i)
			}
			v := L.ToInteger(-1)
			L.Pop(1)
			if v < 0 || v > 0xff {
				return nil, fmt.Errorf("%s returned %d at %d, outside byte range", ValueFunction, v, i)
			}
			out = append(out, byte(v))
		}
	default:
		return nil, fmt.Errorf("%s returned an unsupported value type", ValueFunction)
	}
}

// Close releases the script state.
func (p *ValueProvider) Close() {
	p.engine.Close()
}
