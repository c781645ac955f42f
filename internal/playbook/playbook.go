// Package playbook runs an ordered list of module tasks over a set of targets.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eniac111/plumbgate/internal/dispatcher"
	"github.com/eniac111/plumbgate/internal/packager"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/projectdiscovery/gologger"
	"gopkg.in/yaml.v3"
)

// Playbook describes the list of tasks in a playbook file.
type Playbook struct {
	// Hosts limits the playbook to these target ids or groups.
	Hosts []string `yaml:"hosts"`
	Tasks []Task   `yaml:"tasks"`
}

// Task represents a single playbook task.
type Task struct {
	Name         string         `yaml:"name"`
	Module       string         `yaml:"module"`
	Params       map[string]any `yaml:"params"`
	IgnoreErrors bool           `yaml:"ignore_errors"`
}

// Runner runs one module over targets. *dispatcher.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, targets []types.Target, module types.ModuleRef, args map[string]any, opts dispatcher.Options) types.Report
}

// TaskReport is the outcome of one task.
type TaskReport struct {
	Task   string       `json:"task" yaml:"task"`
	Report types.Report `json:"report" yaml:"report"`
}

// Load reads a playbook file.
func Load(path string) (*Playbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a playbook and checks every task names a module.
func Parse(r io.Reader) (*Playbook, error) {
	var pb Playbook
	if err := yaml.NewDecoder(r).Decode(&pb); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse playbook: %w", err)
	}
	for i, t := range pb.Tasks {
		if t.Module == "" {
			return nil, fmt.Errorf("task %d (%q) has no module", i, t.Name)
		}
	}
	return &pb, nil
}

// Run executes the tasks in order. A target whose task did not succeed is
// left out of the following tasks unless the task ignores errors. Run stops
// early when no targets remain or ctx is done.
func Run(ctx context.Context, runner Runner, targets []types.Target, moduleDirs []string, pb *Playbook, opts dispatcher.Options) ([]TaskReport, error) {
	reports := make([]TaskReport, 0, len(pb.Tasks))
	active := targets
	for i, task := range pb.Tasks {
		if len(active) == 0 {
			gologger.Warning().Msgf("no targets left, skipping remaining %d tasks", len(pb.Tasks)-i)
			break
		}
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		module, err := packager.Load(moduleDirs, task.Module)
		if err != nil {
			return reports, fmt.Errorf("task %q: %w", taskName(task, i), err)
		}

		gologger.Info().Msgf("TASK [%s]", taskName(task, i))
		report := runner.Run(ctx, active, module, Args(task.Params), opts)
		reports = append(reports, TaskReport{Task: taskName(task, i), Report: report})

		if task.IgnoreErrors {
			continue
		}
		remaining := active[:0:0]
		for _, t := range active {
			if res, ok := report.Results[t.ID]; ok && res.OK() {
				remaining = append(remaining, t)
			}
		}
		active = remaining
	}
	return reports, nil
}

// Args converts "@name.key" strings anywhere in params into refs.
func Args(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = refs(v)
	}
	return out
}

func refs(v any) any {
	switch val := v.(type) {
	case string:
		if ref, ok := types.ParseRef(val); ok {
			return ref
		}
		return val
	case map[string]any:
		return Args(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = refs(item)
		}
		return out
	default:
		return v
	}
}

func taskName(t Task, i int) string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("%d-%s", i, t.Module)
}
