// Package luadriver implements a Device whose command handling and message
// vocabulary are defined by a small sandboxed Lua script rather than
// compiled Go, so a new device behavior can be dropped in without a binary
// rebuild.
package luadriver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"devicebroker/internal/devicemgr"
)

// Device runs a driver script, which must implement this fixed contract as
// Lua globals:
//
//	identifier()                  -> string
//	name()                        -> string
//	allowed_messages()            -> table of {kind = {min_spec_version = N}}
//	parse_message(kind, payload)  -> ok (bool), result_or_error (string or nil)
//
// A string result becomes a RawReply; any other successful result becomes
// an OkReply.
//
// The VM is sandboxed: no os, io, or require globals are exposed beyond
// what gopher-lua's base library supplies, matching the teacher's own
// automation engine, which never opens those modules either.
type Device struct {
	identifier string
	name       string
	allowed    map[string]devicemgr.MessageAttributes

	mu     sync.Mutex
	L      *lua.LState
	logger *slog.Logger

	connected bool
	events    *devicemgr.EventBus
}

// New loads source as a Lua script and evaluates its fixed entry points
// once to capture identifier, name, and allowed message types. The VM is
// kept alive for the device's lifetime so parse_message can hold state
// across calls (e.g. a toggle's current value).
func New(source string, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua lib %s: %w", lib.name, err)
		}
	}

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}

	d := &Device{L: L, logger: logger, connected: true, events: devicemgr.NewEventBus(logger)}

	identifier, err := callString(L, "identifier")
	if err != nil {
		L.Close()
		return nil, err
	}
	d.identifier = identifier

	name, err := callString(L, "name")
	if err != nil {
		L.Close()
		return nil, err
	}
	d.name = name

	allowed, err := callAllowedMessages(L)
	if err != nil {
		L.Close()
		return nil, err
	}
	d.allowed = allowed

	return d, nil
}

func callString(L *lua.LState, fnName string) (string, error) {
	fn := L.GetGlobal(fnName)
	if fn.Type() != lua.LTFunction {
		return "", fmt.Errorf("script is missing required function %s()", fnName)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return "", fmt.Errorf("call %s: %w", fnName, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	s, ok := ret.(lua.LString)
	if !ok {
		return "", fmt.Errorf("%s() must return a string", fnName)
	}
	return string(s), nil
}

func callAllowedMessages(L *lua.LState) (map[string]devicemgr.MessageAttributes, error) {
	fn := L.GetGlobal("allowed_messages")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script is missing required function allowed_messages()")
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return nil, fmt.Errorf("call allowed_messages: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("allowed_messages() must return a table")
	}

	out := make(map[string]devicemgr.MessageAttributes)
	tbl.ForEach(func(key, value lua.LValue) {
		kind, ok := key.(lua.LString)
		if !ok {
			return
		}
		attrs := devicemgr.MessageAttributes{Attrs: map[string]any{}}
		if sub, ok := value.(*lua.LTable); ok {
			if v, ok := sub.RawGetString("min_spec_version").(lua.LNumber); ok {
				attrs.MinSpecVersion = uint32(v)
			}
			sub.ForEach(func(k, v lua.LValue) {
				name, ok := k.(lua.LString)
				if !ok || string(name) == "min_spec_version" {
					return
				}
				attrs.Attrs[string(name)] = luaToGo(v)
			})
		}
		out[string(kind)] = attrs
	})
	return out, nil
}

func luaToGo(v lua.LValue) any {
	switch t := v.(type) {
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case lua.LBool:
		return bool(t)
	default:
		return v.String()
	}
}

func (d *Device) Identifier() string { return d.identifier }
func (d *Device) Name() string       { return d.name }

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Device) AllowedMessageTypes() map[string]devicemgr.MessageAttributes { return d.allowed }

// ParseMessage calls the script's parse_message(kind, payload) function.
// Lua access is serialized by d.mu since a single gopher-lua state is not
// safe for concurrent calls.
func (d *Device) ParseMessage(ctx context.Context, cmd devicemgr.DeviceCommand) (devicemgr.Reply, error) {
	select {
	case <-ctx.Done():
		return nil, devicemgr.ErrCancelled
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fn := d.L.GetGlobal("parse_message")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script is missing required function parse_message()")
	}

	err := d.L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, lua.LString(cmd.Kind), lua.LString(cmd.Payload))
	if err != nil {
		return nil, fmt.Errorf("parse_message: %w", err)
	}
	result := d.L.Get(-1)
	ok := d.L.Get(-2)
	d.L.Pop(2)

	okBool, _ := ok.(lua.LBool)
	if !bool(okBool) {
		return nil, fmt.Errorf("%s", result.String())
	}

	switch r := result.(type) {
	case lua.LString:
		payload, _ := json.Marshal(string(r))
		return devicemgr.RawReply{ID: cmd.ID, Kind: cmd.Kind, Payload: payload}, nil
	default:
		return devicemgr.OkReply{ID: cmd.ID}, nil
	}
}

// Disconnect closes the Lua VM; a disconnected scripted device cannot be
// reconnected, matching the contract's expectation that Disconnect is
// terminal for the entry it is called on.
func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.L.Close()
	d.mu.Unlock()
	d.events.Emit(devicemgr.Event{Type: devicemgr.EventRemoved})
	return nil
}

func (d *Device) Events() *devicemgr.EventBus { return d.events }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
