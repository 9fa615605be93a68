// Package lua runs user scripts that compute write payloads for the write loop.
package lua

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// LuaError represents detailed Lua execution errors
type LuaError struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *LuaError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := "Lua error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("Lua %s error (%s)", e.Type, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *LuaError) Unwrap() error {
	return e.Underlying
}

func (e *LuaError) Is(target error) bool {
	if target == nil {
		return false
	}
	var luaErr *LuaError
	if errors.As(target, &luaErr) {
		return e.Type == luaErr.Type
	}
	return false
}

// newLuaError extracts the line number from a Lua message of the form `[string "name"]:12: msg`.
func newLuaError(errType, source string, err error) *LuaError {
	msg := err.Error()
	// golua appends a traceback on a new line; the first line carries the message.
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}

	line := 0
	message := msg
	if strings.Contains(msg, ":") {
		parts := strings.SplitN(msg, ":", 3)
		if len(parts) >= 3 {
			if parsed, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err == nil && parsed == 1 {
				message = strings.TrimSpace(parts[2])
			}
		}
	}

	return &LuaError{
		Type:       errType,
		Message:    message,
		Line:       line,
		Source:     source,
		Underlying: err,
	}
}

// LuaEngine owns one Lua state. All access to the state is serialized.
type LuaEngine struct {
	state      *lua.State
	stateMutex sync.Mutex
	logger     *logrus.Logger
	source     string
}

// NewLuaEngine creates a Lua state with the standard libraries. Script print output goes to the logger.
func NewLuaEngine(logger *logrus.Logger) *LuaEngine {
	if logger == nil {
		logger = logrus.New()
	}
	engine := &LuaEngine{logger: logger}

	engine.state = lua.NewState()
	engine.state.OpenLibs()
	engine.registerPrintCapture()
	return engine
}

// DoWithState runs callback with exclusive access to the state. Panics raised by the Lua FFI
// are recovered and returned as errors.
func (e *LuaEngine) DoWithState(callback func(*lua.State) error) (err error) {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return &LuaError{Type: "api", Message: "lua state closed", Source: e.source}
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("script", e.source).Errorf("Lua panic (recovered): %v\nStack:\n%s", r, debug.Stack())
			err = &LuaError{Type: "runtime", Message: fmt.Sprint(r), Source: e.source}
		}
	}()
	return callback(e.state)
}

func (e *LuaEngine) registerPrintCapture() {
	e.state.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)

		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				// For tables, functions, threads, userdata: call Lua tostring()
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}

		e.logger.WithField("script", e.source).Info(strings.Join(parts, "\t"))
		return 0
	})
	e.state.SetGlobal("print")
}

// LoadScriptFile loads and runs a Lua script from a file.
func (e *LuaEngine) LoadScriptFile(filename string) error {
	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", filename, err)
	}
	return e.LoadScript(string(content), filename)
}

// LoadScript runs script once so that it can define globals and functions.
func (e *LuaEngine) LoadScript(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: "api", Message: "empty script", Source: name}
	}

	return e.DoWithState(func(L *lua.State) error {
		e.source = name
		if status := L.LoadString(script); status != 0 {
			msg := L.ToString(-1)
			L.Pop(1)
			return newLuaError("syntax", name, errors.New(msg))
		}
		if err := L.Call(0, 0); err != nil {
			L.SetTop(0)
			return newLuaError("runtime", name, err)
		}
		return nil
	})
}

// SetGlobal sets a global variable in the Lua state
func (e *LuaEngine) SetGlobal(name string, value any) error {
	return e.DoWithState(func(L *lua.State) error {
		return setGlobal(L, name, value)
	})
}

func setGlobal(L *lua.State, name string, value any) error {
	switch v := value.(type) {
	case nil:
		L.PushNil()
	case string:
		L.PushString(v)
	case int:
		L.PushInteger(int64(v))
	case int64:
		L.PushInteger(v)
	case float64:
		L.PushNumber(v)
	case bool:
		L.PushBoolean(v)
	default:
		return fmt.Errorf("unsupported type %T for global variable %s", value, name)
	}
	L.SetGlobal(name)
	return nil
}

// Close releases the Lua state. Later calls fail with an api error.
func (e *LuaEngine) Close() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
