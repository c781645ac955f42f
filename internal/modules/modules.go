// Package modules holds the native modules compiled into the gate runtime.
// Native modules receive their arguments as a decoded map and return a
// structured result directly, without the argument-file convention that
// compatibility modules follow.
package modules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
)

// Module is implemented by every native module.
type Module interface {
	Run(ctx context.Context, args Args) Result
}

// Result is what each module returns.
type Result struct {
	Changed bool
	Failed  bool
	Msg     string
	RC      int
	Stdout  string
	Stderr  string
	// Extra holds module specific fields.
	Extra map[string]any
}

// Map flattens the result into the field set shared with compatibility modules.
func (r Result) Map() map[string]any {
	out := make(map[string]any, len(r.Extra)+6)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["changed"] = r.Changed
	out["failed"] = r.Failed
	out["msg"] = r.Msg
	out["rc"] = r.RC
	if r.Stdout != "" {
		out["stdout"] = r.Stdout
	}
	if r.Stderr != "" {
		out["stderr"] = r.Stderr
	}
	return out
}

// Fail is a helper to set Failed = true with a given message.
func Fail(res Result, msg string) Result {
	res.Failed = true
	res.Msg = msg
	return res
}

// Args wraps the decoded argument blob.
type Args map[string]any

// String returns the value for key when it is a string.
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool accepts JSON booleans and the usual yes/no strings.
func (a Args) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		return v == "yes" || v == "on"
	default:
		return false
	}
}

var registry = map[string]Module{}

// Register adds a native module under name. It panics on duplicates since
// registration happens from init functions.
func Register(name string, m Module) {
	if _, ok := registry[name]; ok {
		panic("modules: duplicate registration of " + name)
	}
	registry[name] = m
}

// Lookup returns the native module registered under name.
func Lookup(name string) (Module, bool) {
	m, ok := registry[name]
	return m, ok
}

// Names lists registered native modules.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
