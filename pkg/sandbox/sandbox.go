// Package sandbox executes untrusted script fragments in an isolated Lua
// runtime. Every invocation gets a fresh interpreter with exactly the
// documented surface in scope: the inbound message, a read-only SQL accessor
// and a host clock. There is no filesystem, network, module loading or
// state carried between invocations.
package sandbox

import (
	"context"
	"errors"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultWallCap is the per-invocation wall time limit.
const DefaultWallCap = 500 * time.Millisecond

// Outcome classifies an invocation result. All outcomes are non-fatal to
// the calling engine.
type Outcome string

// Invocation outcomes.
const (
	OutcomeOK           Outcome = "ok"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeSandboxError Outcome = "sandbox_error"
	OutcomeSQLError     Outcome = "sql_error"
)

// Result is the classified outcome of one invocation.
type Result struct {
	Outcome Outcome
	Value   any    // set when Outcome is OutcomeOK
	Err     string // set for timeout and error outcomes
}

// Truthy applies Lua truthiness to the result value: nil and false are
// falsy, everything else is truthy. Non-OK outcomes are always falsy.
func (r Result) Truthy() bool {
	if r.Outcome != OutcomeOK {
		return false
	}
	switch v := r.Value.(type) {
	case nil:
		return false
	case bool:
		return v
	default:
		return true
	}
}

// Message is the inbound message handed to the fragment as the "msg" global.
type Message struct {
	Topic    string
	Payload  any // decoded structure or raw string
	BrokerID string
}

// SQLReader provides the bounded read-only database surface behind db.get
// and db.all. Implemented by the event store.
type SQLReader interface {
	QueryReadOnly(ctx context.Context, query string) ([]map[string]any, error)
}

// Runtime evaluates script fragments. Safe for concurrent use; each
// invocation runs on its own interpreter.
type Runtime struct {
	db      SQLReader
	wallCap time.Duration
}

// New creates a sandbox runtime. A zero wallCap selects DefaultWallCap.
func New(db SQLReader, wallCap time.Duration) *Runtime {
	if wallCap <= 0 {
		wallCap = DefaultWallCap
	}
	return &Runtime{db: db, wallCap: wallCap}
}

// baseDenylist removes the escape hatches OpenBase installs. The io, os,
// package, debug and coroutine libraries are never opened.
var baseDenylist = []string{"dofile", "loadfile", "load", "loadstring", "print", "collectgarbage"}

// Evaluate runs a fragment against msg. The fragment is a Lua chunk whose
// return value is the result: a (possibly mutated) msg for mapper targets,
// a boolean for alert conditions. Returning nothing or nil yields
// OutcomeSkipped.
func (r *Runtime) Evaluate(ctx context.Context, code string, msg Message) Result {
	ctx, cancel := context.WithTimeout(ctx, r.wallCap)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range baseDenylist {
		L.SetGlobal(name, lua.LNil)
	}

	msgTable := L.NewTable()
	L.SetField(msgTable, "topic", lua.LString(msg.Topic))
	L.SetField(msgTable, "payload", goToLua(L, msg.Payload))
	L.SetField(msgTable, "broker_id", lua.LString(msg.BrokerID))
	L.SetGlobal("msg", msgTable)

	var sqlErr error
	L.SetGlobal("db", r.newDBTable(ctx, L, &sqlErr))
	L.SetGlobal("now", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().UnixMilli()))
		return 1
	}))

	top := L.GetTop()
	if err := L.DoString(code); err != nil {
		return classifyError(ctx, err, sqlErr)
	}

	if L.GetTop() <= top {
		return Result{Outcome: OutcomeSkipped}
	}
	value := luaToGo(L.Get(-1))
	if value == nil {
		return Result{Outcome: OutcomeSkipped}
	}
	return Result{Outcome: OutcomeOK, Value: value}
}

// newDBTable builds the db.get / db.all accessor table. Both reject
// non-SELECT statements and surface database errors as Lua errors so the
// fragment can never observe partial results.
func (r *Runtime) newDBTable(ctx context.Context, L *lua.LState, sqlErr *error) *lua.LTable {
	query := func(ls *lua.LState) []map[string]any {
		if r.db == nil {
			*sqlErr = errors.New("database access is not available")
			ls.RaiseError("database access is not available")
			return nil
		}
		q := ls.CheckString(1)
		rows, err := r.db.QueryReadOnly(ctx, q)
		if err != nil {
			*sqlErr = err
			ls.RaiseError("%s", err.Error())
			return nil
		}
		return rows
	}

	db := L.NewTable()
	L.SetField(db, "get", L.NewFunction(func(ls *lua.LState) int {
		rows := query(ls)
		if len(rows) == 0 {
			ls.Push(lua.LNil)
		} else {
			ls.Push(goToLua(ls, rows[0]))
		}
		return 1
	}))
	L.SetField(db, "all", L.NewFunction(func(ls *lua.LState) int {
		rows := query(ls)
		out := make([]any, len(rows))
		for i, row := range rows {
			out[i] = row
		}
		ls.Push(goToLua(ls, out))
		return 1
	}))
	return db
}

// classifyError maps an interpreter error onto the outcome taxonomy.
// SQL failures win over the generic script error they surface as; a
// deadline on the invocation context means the wall cap fired.
func classifyError(ctx context.Context, err, sqlErr error) Result {
	if sqlErr != nil {
		return Result{Outcome: OutcomeSQLError, Err: sqlErr.Error()}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Outcome: OutcomeTimeout, Err: "Timeout"}
	}
	msg := err.Error()
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		msg = apiErr.Object.String()
	}
	return Result{Outcome: OutcomeSandboxError, Err: msg}
}
