package playbook

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eniac111/plumbgate/internal/dispatcher"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/stretchr/testify/require"
)

const sample = `
hosts: [webservers]
tasks:
  - name: print uptime
    module: shell
    params:
      cmd: uptime
  - module: shell
    params:
      cmd: "@greeting"
      env: ["@app.name", plain]
`

func TestParse(t *testing.T) {
	pb, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Equal(t, []string{"webservers"}, pb.Hosts)
	require.Len(t, pb.Tasks, 2)
	require.Equal(t, "print uptime", pb.Tasks[0].Name)
	require.Equal(t, "uptime", pb.Tasks[0].Params["cmd"])

	args := Args(pb.Tasks[1].Params)
	require.Equal(t, types.NewRef("greeting"), args["cmd"])
	require.Equal(t, []any{types.NewRef("app", "name"), "plain"}, args["env"])

	_, err = Parse(strings.NewReader("tasks:\n  - name: nothing\n"))
	require.ErrorContains(t, err, "no module")

	_, err = Parse(strings.NewReader("tasks: [unclosed"))
	require.Error(t, err)

	pb, err = Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, pb.Tasks)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	pb, err := Load(path)
	require.NoError(t, err)
	require.Len(t, pb.Tasks, 2)

	_, err = Load(path + ".missing")
	require.Error(t, err)
}

// scriptedRunner fails the targets listed per call.
type scriptedRunner struct {
	fail  []map[string]bool
	calls [][]string
}

func (s *scriptedRunner) Run(_ context.Context, targets []types.Target, module types.ModuleRef, _ map[string]any, _ dispatcher.Options) types.Report {
	call := len(s.calls)
	ids := []string{}
	report := types.Report{RunID: "r", Module: module.Name, Results: map[string]types.InvocationResult{}}
	for _, t := range targets {
		ids = append(ids, t.ID)
		res := types.InvocationResult{Target: t.ID, Status: types.StatusSuccess}
		if call < len(s.fail) && s.fail[call][t.ID] {
			res.Failed = true
		}
		report.Results[t.ID] = res
	}
	s.calls = append(s.calls, ids)
	return report
}

func targets(ids ...string) []types.Target {
	out := make([]types.Target, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.Target{ID: id, Mode: types.ModeLocal})
	}
	return out
}

func TestRunDropsFailedTargets(t *testing.T) {
	runner := &scriptedRunner{fail: []map[string]bool{{"b": true}, {}, {"a": true, "c": true}}}
	pb := &Playbook{Tasks: []Task{
		{Name: "one", Module: "shell"},
		{Name: "two", Module: "shell"},
		{Name: "three", Module: "shell"},
		{Name: "four", Module: "shell"},
	}}

	reports, err := Run(context.Background(), runner, targets("a", "b", "c"), nil, pb, dispatcher.Options{})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a", "b", "c"}, {"a", "c"}, {"a", "c"}}, runner.calls)
	require.Len(t, reports, 3)
	require.Equal(t, "one", reports[0].Task)
}

func TestRunIgnoreErrors(t *testing.T) {
	runner := &scriptedRunner{fail: []map[string]bool{{"a": true}}}
	pb := &Playbook{Tasks: []Task{
		{Module: "shell", IgnoreErrors: true},
		{Module: "shell"},
	}}

	reports, err := Run(context.Background(), runner, targets("a", "b"), nil, pb, dispatcher.Options{})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a", "b"}, {"a", "b"}}, runner.calls)
	require.Equal(t, "0-shell", reports[0].Task)
}

func TestRunUnknownModule(t *testing.T) {
	runner := &scriptedRunner{}
	pb := &Playbook{Tasks: []Task{{Name: "first", Module: "shell"}, {Name: "bogus", Module: "no-such-module"}}}

	reports, err := Run(context.Background(), runner, targets("a"), []string{t.TempDir()}, pb, dispatcher.Options{})
	require.ErrorContains(t, err, "bogus")
	require.Len(t, reports, 1)
}

func TestRunWithDispatcher(t *testing.T) {
	d := dispatcher.New(dispatcher.Config{})
	t.Cleanup(func() { _ = d.Close() })

	tgts := targets("a", "b")
	tgts[0].Vars = map[string]any{"greeting": "echo hello a"}
	tgts[1].Vars = map[string]any{"greeting": "exit 4"}

	pb, err := Parse(strings.NewReader(`
tasks:
  - name: greet
    module: shell
    params:
      cmd: "echo @greeting"
  - name: greet by ref
    module: shell
    params:
      cmd: "@greeting"
`))
	require.NoError(t, err)

	reports, err := Run(context.Background(), d, tgts, nil, pb, dispatcher.Options{Concurrency: 2})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "@greeting", reports[0].Report.Results["a"].Output["stdout"])

	second := reports[1].Report.Results
	require.Equal(t, "hello a", second["a"].Output["stdout"])
	require.True(t, second["b"].Failed)
	require.Equal(t, 4, second["b"].RC)
}
