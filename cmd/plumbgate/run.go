package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/eniac111/plumbgate/internal/builder"
	"github.com/eniac111/plumbgate/internal/dispatcher"
	"github.com/eniac111/plumbgate/internal/gate"
	"github.com/eniac111/plumbgate/internal/inventory"
	"github.com/eniac111/plumbgate/internal/packager"
	"github.com/eniac111/plumbgate/internal/playbook"
	"github.com/eniac111/plumbgate/internal/transport"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/projectdiscovery/gologger"
	fileutil "github.com/projectdiscovery/utils/file"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

// Exit codes follow ansible: 2 when a module failed, 4 when a target was
// unreachable or timed out.
const (
	exitFailed      = 2
	exitUnreachable = 4
)

func runCmd(ctx context.Context, args []string) (int, error) {
	opts, err := parseOptions("run", args)
	if err != nil {
		return 1, err
	}
	targets, err := loadTargets(opts.Inventory, opts.Interpreter, opts.Limit)
	if err != nil {
		return 1, err
	}

	var module types.ModuleRef
	if opts.Native {
		module, err = packager.LoadNative(opts.Module)
	} else {
		module, err = packager.Load(opts.ModuleDirs, opts.Module)
	}
	if err != nil {
		return 1, err
	}
	moduleArgs, err := parseArgs(opts.Args)
	if err != nil {
		return 1, err
	}
	hostArgs, err := loadHostArgs(opts.HostArgs)
	if err != nil {
		return 1, err
	}
	files, err := parseFiles(opts.Files)
	if err != nil {
		return 1, err
	}

	d, stop, err := newDispatcher(opts)
	if err != nil {
		return 1, err
	}
	defer stop()

	runOpts := dispatchOptions(opts)
	runOpts.HostArgs = hostArgs
	runOpts.Files = files
	report := d.Run(ctx, targets, module, moduleArgs, runOpts)

	if err := printReport(os.Stdout, opts.Output, report); err != nil {
		return 1, err
	}
	return exitCode(report), nil
}

func playCmd(ctx context.Context, args []string) (int, error) {
	opts, err := parseOptions("play", args)
	if err != nil {
		return 1, err
	}
	pb, err := playbook.Load(opts.Playbook)
	if err != nil {
		return 1, err
	}
	limit := opts.Limit
	if len(limit) == 0 {
		limit = pb.Hosts
	}
	targets, err := loadTargets(opts.Inventory, opts.Interpreter, limit)
	if err != nil {
		return 1, err
	}

	d, stop, err := newDispatcher(opts)
	if err != nil {
		return 1, err
	}
	defer stop()

	reports, runErr := playbook.Run(ctx, d, targets, opts.ModuleDirs, pb, dispatchOptions(opts))
	code := 0
	for _, tr := range reports {
		if opts.Output == "text" {
			gologger.Silent().Msgf("TASK [%s]", tr.Task)
			if err := printReport(os.Stdout, opts.Output, tr.Report); err != nil {
				return 1, err
			}
		}
		code = max(code, exitCode(tr.Report))
	}
	if opts.Output != "text" {
		if err := encode(os.Stdout, opts.Output, reports); err != nil {
			return 1, err
		}
	}
	if runErr != nil {
		return 1, runErr
	}
	return code, nil
}

func loadTargets(path, interpreter string, limit []string) ([]types.Target, error) {
	var targets []types.Target
	if path == "" {
		targets = inventory.Localhost(interpreter)
	} else {
		var err error
		if targets, err = inventory.Load(path); err != nil {
			return nil, err
		}
	}
	targets = inventory.Filter(targets, limit)
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets matched %v", limit)
	}
	gologger.Verbose().Msgf("Loaded %d targets", len(targets))
	return targets, nil
}

// newDispatcher wires transports, gate options and the metrics endpoint.
// The returned func closes every gate and the metrics server.
func newDispatcher(opts *cliOptions) (*dispatcher.Dispatcher, func(), error) {
	gates, err := builder.New(builder.Options{
		CacheDir:  opts.CacheDir,
		SourceDir: opts.SourceDir,
		Prebuilt:  opts.PrebuiltGate,
		Force:     opts.ForceBuild,
		Version:   version,
	})
	if err != nil {
		return nil, nil, err
	}
	d := dispatcher.New(dispatcher.Config{
		Transport: transport.Options{
			GatePath:       opts.GatePath,
			Gates:          gates,
			ConnectTimeout: opts.ConnectTimeout,
			Interpreter:    opts.Interpreter,
		},
		Gate: gate.Options{
			Timeout:      opts.Timeout,
			Requirements: opts.Requirements,
			Interpreter:  opts.Interpreter,
		},
	})

	var srv *http.Server
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				gologger.Warning().Msgf("metrics server: %v", err)
			}
		}()
		gologger.Info().Msgf("Serving metrics on %s/metrics", opts.MetricsAddr)
	}

	stop := func() {
		if err := d.Close(); err != nil {
			gologger.Warning().Msgf("closing gates: %v", err)
		}
		if srv != nil {
			_ = srv.Close()
		}
	}
	return d, stop, nil
}

func dispatchOptions(opts *cliOptions) dispatcher.Options {
	return dispatcher.Options{
		Concurrency: opts.Concurrency,
		Deadline:    opts.Deadline,
		ConnectRate: float64(opts.ConnectRate),
	}
}

// parseArgs turns key=value pairs into module args. Values are read as YAML
// scalars or lists, "@name.key" becomes a ref to a target var, and a pair
// without "=" is appended to _raw_params.
func parseArgs(pairs []string) (map[string]any, error) {
	args := map[string]any{}
	var raw []string
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			raw = append(raw, pair)
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("argument %q has no key", pair)
		}
		if ref, isRef := types.ParseRef(value); isRef {
			args[key] = ref
			continue
		}
		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
			parsed = value
		}
		if _, isMap := parsed.(map[string]any); isMap {
			parsed = value
		}
		args[key] = parsed
	}
	if len(raw) > 0 {
		args["_raw_params"] = strings.Join(raw, " ")
	}
	return args, nil
}

func loadHostArgs(path string) (map[string]map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	if !fileutil.FileExists(path) {
		return nil, fmt.Errorf("host args file %s does not exist", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host args: %w", err)
	}
	var hostArgs map[string]map[string]any
	if err := yaml.Unmarshal(data, &hostArgs); err != nil {
		return nil, fmt.Errorf("failed to parse host args: %w", err)
	}
	return hostArgs, nil
}

func parseFiles(values []string) ([]types.StagedFile, error) {
	files := make([]types.StagedFile, 0, len(values))
	for _, value := range values {
		local, remote, ok := strings.Cut(value, ":")
		if !ok || local == "" || remote == "" {
			return nil, fmt.Errorf("file %q is not local:remote", value)
		}
		if !fileutil.FileExists(local) {
			return nil, fmt.Errorf("file %s does not exist", local)
		}
		files = append(files, types.StagedFile{Local: local, Remote: remote})
	}
	return files, nil
}

func printReport(w io.Writer, format string, report types.Report) error {
	if format != "text" {
		return encode(w, format, report)
	}
	for _, id := range report.Targets() {
		res := report.Results[id]
		state := "ok"
		switch {
		case res.Status == types.StatusTransportError:
			state = "UNREACHABLE"
		case res.Status == types.StatusTimeout:
			state = "TIMEOUT"
		case res.Status == types.StatusModuleError || res.Failed:
			state = "FAILED"
		case res.Changed:
			state = "CHANGED"
		}
		line := fmt.Sprintf("%s | %s | rc=%d", id, state, res.RC)
		if res.Msg != "" {
			line += " | " + res.Msg
		}
		fmt.Fprintln(w, line)
		if res.Stdout != "" {
			fmt.Fprintln(w, indent(res.Stdout))
		}
		if res.Stderr != "" && !res.OK() {
			fmt.Fprintln(w, indent(res.Stderr))
		}
	}

	counts := report.Count()
	statuses := make([]string, 0, len(counts))
	for status, n := range counts {
		statuses = append(statuses, fmt.Sprintf("%s=%d", status, n))
	}
	sort.Strings(statuses)
	fmt.Fprintf(w, "run %s: %s\n", report.RunID, strings.Join(statuses, " "))
	return nil
}

func encode(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", format)
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}

func exitCode(report types.Report) int {
	switch {
	case len(report.Unreachable()) > 0:
		return exitUnreachable
	case len(report.Failed()) > 0:
		return exitFailed
	}
	return 0
}
