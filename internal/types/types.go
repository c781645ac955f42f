package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Mode selects how a target is reached.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

const DefaultSSHPort = 22

// Target is one machine resolved from the inventory.
type Target struct {
	ID          string         `json:"id" yaml:"id"`
	Host        string         `json:"host" yaml:"host"`
	Port        int            `json:"port,omitempty" yaml:"port,omitempty"`
	User        string         `json:"user,omitempty" yaml:"user,omitempty"`
	Password    string         `json:"-" yaml:"password,omitempty"`
	KeyPath     string         `json:"key_path,omitempty" yaml:"key_path,omitempty"` // Optional SSH key path
	Mode        Mode           `json:"mode" yaml:"mode"`
	Interpreter string         `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	Groups      []string       `json:"groups,omitempty" yaml:"groups,omitempty"`
	Vars        map[string]any `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// Address returns host:port, defaulting to port 22.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	host := t.Host
	if host == "" {
		host = t.ID
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// IsLocal reports whether the target runs on this machine.
func (t Target) IsLocal() bool {
	return t.Mode == ModeLocal
}

// ModuleRef is what module discovery hands to the engine.
type ModuleRef struct {
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Source []byte `json:"-"`
	// Native modules are compiled into the gate runtime and receive their
	// arguments as a decoded map instead of an argument file.
	Native bool `json:"native,omitempty"`
}

func (m ModuleRef) String() string {
	if m.Native {
		return m.Name + " (native)"
	}
	return m.Name
}

// StagedFile is copied to the target before the module runs. A relative
// Remote path is resolved inside the gate's temporary directory. When
// Content is set it is written instead of reading Local.
type StagedFile struct {
	Local   string `json:"local,omitempty" yaml:"local,omitempty"`
	Remote  string `json:"remote" yaml:"remote"`
	Content []byte `json:"content,omitempty" yaml:"content,omitempty"`
}

// ModuleInvocation is one module run for one target.
type ModuleInvocation struct {
	Module ModuleRef      `json:"module"`
	Args   map[string]any `json:"args,omitempty"`
	Files  []StagedFile   `json:"files,omitempty"`
}

// Status is the terminal state of an invocation.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusModuleError    Status = "module-error"
	StatusTransportError Status = "transport-error"
	StatusTimeout        Status = "timeout"
)

// InvocationResult is what a gate returns for one invocation.
type InvocationResult struct {
	Target   string         `json:"target" yaml:"target"`
	Status   Status         `json:"status" yaml:"status"`
	Output   map[string]any `json:"output,omitempty" yaml:"output,omitempty"`
	Changed  bool           `json:"changed" yaml:"changed"`
	Failed   bool           `json:"failed" yaml:"failed"`
	Msg      string         `json:"msg,omitempty" yaml:"msg,omitempty"`
	RC       int            `json:"rc" yaml:"rc"`
	Stdout   string         `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr   string         `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	Raw      string         `json:"raw,omitempty" yaml:"raw,omitempty"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration  `json:"duration" yaml:"duration"`
}

// Reached reports whether the engine got a response from the target at all.
func (r InvocationResult) Reached() bool {
	return r.Status == StatusSuccess || r.Status == StatusModuleError
}

// OK is true only when the module ran and did not report failure.
func (r InvocationResult) OK() bool {
	return r.Status == StatusSuccess && !r.Failed
}

// ErrorResult builds a terminal result carrying err.
func ErrorResult(target string, status Status, err error) InvocationResult {
	res := InvocationResult{
		Target: target,
		Status: status,
		Failed: true,
	}
	if err != nil {
		res.Error = err.Error()
		res.Msg = err.Error()
	}
	return res
}

// Ref is an argument value looked up in the target's vars at dispatch time.
type Ref struct {
	Path []string `json:"ref"`
}

// NewRef builds a Ref from a path such as "ansible_host" or "nested", "key".
func NewRef(path ...string) Ref {
	return Ref{Path: path}
}

// ParseRef reads the "@name.key" shorthand used on the command line and in
// playbooks. Other strings are not refs.
func ParseRef(s string) (Ref, bool) {
	if len(s) < 2 || s[0] != '@' {
		return Ref{}, false
	}
	return Ref{Path: strings.Split(s[1:], ".")}, true
}

// Resolve walks Path through vars.
func (r Ref) Resolve(vars map[string]any) (any, error) {
	if len(r.Path) == 0 {
		return nil, fmt.Errorf("empty ref")
	}
	var cur any = vars
	for _, part := range r.Path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("ref %v: %q is not a mapping", r.Path, part)
		}
		v, ok := m[part]
		if !ok {
			return nil, fmt.Errorf("ref %v: %q not found", r.Path, part)
		}
		cur = v
	}
	return cur, nil
}
