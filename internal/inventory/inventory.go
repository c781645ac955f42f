// Package inventory resolves Ansible style inventory files into targets.
package inventory

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/eniac111/plumbgate/internal/types"
	fileutil "github.com/projectdiscovery/utils/file"
	"gopkg.in/yaml.v3"
)

// group is one node of an Ansible YAML inventory.
type group struct {
	Hosts    map[string]map[string]any `yaml:"hosts"`
	Vars     map[string]any            `yaml:"vars"`
	Children map[string]group          `yaml:"children"`
}

// simpleInventory is the flat host list format.
type simpleInventory struct {
	Hosts []simpleHost `yaml:"hosts"`
}

type simpleHost struct {
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"` // Optional SSH key path
}

type hostEntry struct {
	groups []string
	vars   map[string]any
}

// Load reads an inventory file.
func Load(path string) ([]types.Target, error) {
	if !fileutil.FileExists(path) {
		return nil, fmt.Errorf("inventory %s does not exist", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse reads either an Ansible YAML inventory ({group: {hosts, vars,
// children}}) or a flat `hosts:` list. Targets are sorted by id.
func Parse(r io.Reader) ([]types.Target, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	if isSimple(root.Content[0]) {
		var inv simpleInventory
		if err := root.Content[0].Decode(&inv); err != nil {
			return nil, fmt.Errorf("failed to parse inventory: %w", err)
		}
		return fromSimple(inv)
	}

	var groups map[string]group
	if err := root.Content[0].Decode(&groups); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	hosts := map[string]*hostEntry{}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		collect(hosts, name, groups[name], nil)
	}

	targets := make([]types.Target, 0, len(hosts))
	for name, entry := range hosts {
		t, err := toTarget(name, entry.vars)
		if err != nil {
			return nil, err
		}
		t.Groups = entry.groups
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

func isSimple(n *yaml.Node) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "hosts" && n.Content[i+1].Kind == yaml.SequenceNode {
			return true
		}
	}
	return false
}

// collect walks a group and its children. Child group vars override parent
// vars and host vars override both.
func collect(hosts map[string]*hostEntry, name string, g group, inherited map[string]any) {
	vars := merge(inherited, g.Vars)
	hostNames := make([]string, 0, len(g.Hosts))
	for h := range g.Hosts {
		hostNames = append(hostNames, h)
	}
	sort.Strings(hostNames)
	for _, h := range hostNames {
		entry, ok := hosts[h]
		if !ok {
			entry = &hostEntry{vars: map[string]any{}}
			hosts[h] = entry
		}
		entry.groups = appendUnique(entry.groups, name)
		entry.vars = merge(entry.vars, merge(vars, g.Hosts[h]))
	}

	children := make([]string, 0, len(g.Children))
	for c := range g.Children {
		children = append(children, c)
	}
	sort.Strings(children)
	for _, c := range children {
		collect(hosts, c, g.Children[c], vars)
	}
}

func toTarget(name string, vars map[string]any) (types.Target, error) {
	t := types.Target{ID: name, Host: name, Mode: types.ModeRemote, Vars: vars}
	if v := stringVar(vars, "ansible_host"); v != "" {
		t.Host = v
	}
	if raw, ok := vars["ansible_port"]; ok {
		port, err := strconv.Atoi(fmt.Sprint(raw))
		if err != nil {
			return t, fmt.Errorf("host %s: invalid ansible_port %v", name, raw)
		}
		t.Port = port
	}
	t.User = stringVar(vars, "ansible_user")
	t.Password = stringVar(vars, "ansible_password")
	if t.Password == "" {
		t.Password = stringVar(vars, "ansible_ssh_pass")
	}
	t.KeyPath = expandHome(stringVar(vars, "ansible_ssh_private_key_file"))
	t.Interpreter = stringVar(vars, "ansible_python_interpreter")
	if stringVar(vars, "ansible_connection") == "local" {
		t.Mode = types.ModeLocal
	}
	return t, nil
}

func fromSimple(inv simpleInventory) ([]types.Target, error) {
	targets := make([]types.Target, 0, len(inv.Hosts))
	for _, h := range inv.Hosts {
		if h.Name == "" {
			return nil, fmt.Errorf("inventory host without a name")
		}
		targets = append(targets, types.Target{
			ID:       h.Name,
			Host:     h.Name,
			Port:     h.Port,
			User:     h.User,
			Password: h.Password,
			KeyPath:  expandHome(h.KeyPath),
			Mode:     types.ModeRemote,
		})
	}
	return targets, nil
}

// Localhost is a single target that runs on this machine.
func Localhost(interpreter string) []types.Target {
	vars := map[string]any{"ansible_connection": "local"}
	if interpreter != "" {
		vars["ansible_python_interpreter"] = interpreter
	}
	return []types.Target{{
		ID:          "localhost",
		Host:        "localhost",
		Mode:        types.ModeLocal,
		Interpreter: interpreter,
		Groups:      []string{"all"},
		Vars:        vars,
	}}
}

// Filter keeps targets whose id or one of whose groups is in limit. An
// empty limit or "all" keeps everything.
func Filter(targets []types.Target, limit []string) []types.Target {
	want := make(map[string]struct{}, len(limit))
	for _, l := range limit {
		if l == "all" {
			return targets
		}
		want[l] = struct{}{}
	}
	if len(want) == 0 {
		return targets
	}
	var out []types.Target
	for _, t := range targets {
		if _, ok := want[t.ID]; ok {
			out = append(out, t)
			continue
		}
		for _, g := range t.Groups {
			if _, ok := want[g]; ok {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func merge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func stringVar(vars map[string]any, key string) string {
	v, ok := vars[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
