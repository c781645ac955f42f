package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/eniac111/plumbgate/internal/types"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"name=nginx", "count=2", "enabled=true", "host=@ansible_host", "ports=[80, 443]", "msg=a=b", "uptime", "-p"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"name":        "nginx",
		"count":       2,
		"enabled":     true,
		"host":        types.NewRef("ansible_host"),
		"ports":       []any{80, 443},
		"msg":         "a=b",
		"_raw_params": "uptime -p",
	}, args)

	args, err = parseArgs([]string{"obj={a: 1}", "empty="})
	require.NoError(t, err)
	require.Equal(t, "{a: 1}", args["obj"])
	require.Equal(t, "", args["empty"])

	_, err = parseArgs([]string{"=x"})
	require.Error(t, err)
}

func TestParseFiles(t *testing.T) {
	local := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, os.WriteFile(local, []byte("hi"), 0o644))

	files, err := parseFiles([]string{local + ":etc/motd"})
	require.NoError(t, err)
	require.Equal(t, []types.StagedFile{{Local: local, Remote: "etc/motd"}}, files)

	_, err = parseFiles([]string{"nocolon"})
	require.Error(t, err)
	_, err = parseFiles([]string{local + ".missing:x"})
	require.Error(t, err)
}

func TestLoadHostArgs(t *testing.T) {
	hostArgs, err := loadHostArgs("")
	require.NoError(t, err)
	require.Nil(t, hostArgs)

	path := filepath.Join(t.TempDir(), "host-args.yaml")
	require.NoError(t, os.WriteFile(path, []byte("web01:\n  port: 8080\n"), 0o644))
	hostArgs, err = loadHostArgs(path)
	require.NoError(t, err)
	require.Equal(t, 8080, hostArgs["web01"]["port"])

	_, err = loadHostArgs(path + ".missing")
	require.Error(t, err)
}

func TestLoadTargets(t *testing.T) {
	targets, err := loadTargets("", "python3", nil)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.True(t, targets[0].IsLocal())

	_, err = loadTargets("", "", []string{"webservers"})
	require.Error(t, err)
}

func sampleReport() types.Report {
	return types.Report{RunID: "r1", Module: "shell", Results: map[string]types.InvocationResult{
		"a": {Target: "a", Status: types.StatusSuccess, Changed: true, Stdout: "hello\nworld"},
		"b": {Target: "b", Status: types.StatusSuccess, Failed: true, RC: 3, Msg: "non-zero return code", Stderr: "boom"},
		"c": {Target: "c", Status: types.StatusTransportError, Msg: "connection refused"},
	}}
}

func TestPrintReportText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, "text", sampleReport()))
	require.Equal(t, `a | CHANGED | rc=0
    hello
    world
b | FAILED | rc=3 | non-zero return code
    boom
c | UNREACHABLE | rc=0 | connection refused
run r1: success=2 transport-error=1
`, buf.String())
}

func TestPrintReportJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, "json", sampleReport()))
	var decoded types.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "r1", decoded.RunID)
	require.Len(t, decoded.Results, 3)

	buf.Reset()
	require.NoError(t, printReport(&buf, "yaml", sampleReport()))
	require.Contains(t, buf.String(), "run_id: r1")

	require.Error(t, printReport(&buf, "xml", sampleReport()))
}

func TestExitCode(t *testing.T) {
	report := sampleReport()
	require.Equal(t, exitUnreachable, exitCode(report))

	delete(report.Results, "c")
	require.Equal(t, exitFailed, exitCode(report))

	delete(report.Results, "b")
	require.Equal(t, 0, exitCode(report))
}
