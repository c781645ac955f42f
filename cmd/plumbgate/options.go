package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/eniac111/plumbgate/internal/config"
	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/gologger"
	"github.com/projectdiscovery/gologger/formatter"
	"github.com/projectdiscovery/gologger/levels"
)

// cliOptions are the flags shared by the run and play commands on top of the
// engine options.
type cliOptions struct {
	config.Options

	ConfigFile string
	Limit      goflags.StringSlice
	ModuleDirs goflags.StringSlice
	Reqs       goflags.StringSlice

	Module   string
	Native   bool
	Args     goflags.StringSlice
	HostArgs string
	Files    goflags.StringSlice
	Playbook string

	Output  string
	Verbose bool
	Debug   bool
	Silent  bool
	NoColor bool
}

// loadBase returns defaults, env overrides and the -config file, in that order.
func loadBase(args []string) (config.Options, error) {
	base, err := config.Default()
	if err != nil {
		return base, err
	}
	if path := config.ConfigArg(args); path != "" {
		if err := base.LoadFile(path); err != nil {
			return base, err
		}
	}
	return base, nil
}

// parseOptions parses the flags of the run or play command. Flag defaults
// come from loadBase, so explicit flags win over every other layer.
func parseOptions(command string, args []string) (*cliOptions, error) {
	base, err := loadBase(args)
	if err != nil {
		return nil, err
	}
	opts := &cliOptions{Options: base}

	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription(fmt.Sprintf("plumbgate %s dispatches modules to inventory targets through persistent gates", command))

	flagSet.CreateGroup("input", "Input",
		flagSet.StringVar(&opts.ConfigFile, "config", "", "yaml configuration file"),
		flagSet.StringVarP(&opts.Inventory, "inventory", "i", base.Inventory, "inventory file (localhost when empty)"),
		flagSet.StringSliceVarP(&opts.Limit, "limit", "l", base.Limit, "target ids or groups to run on (comma separated)", goflags.CommaSeparatedStringSliceOptions),
	)

	if command == "play" {
		flagSet.CreateGroup("playbook", "Playbook",
			flagSet.StringVarP(&opts.Playbook, "playbook", "p", "playbook.yaml", "playbook file"),
			flagSet.StringSliceVarP(&opts.ModuleDirs, "module-dir", "M", base.ModuleDirs, "module directories (comma separated)", goflags.CommaSeparatedStringSliceOptions),
		)
	} else {
		flagSet.CreateGroup("module", "Module",
			flagSet.StringVarP(&opts.Module, "module", "m", "", "module to run"),
			flagSet.StringSliceVarP(&opts.Args, "args", "a", nil, "module argument as key=value, @name refers to a target var", goflags.StringSliceOptions),
			flagSet.StringSliceVarP(&opts.ModuleDirs, "module-dir", "M", base.ModuleDirs, "module directories (comma separated)", goflags.CommaSeparatedStringSliceOptions),
			flagSet.BoolVar(&opts.Native, "native", false, "only look up native modules"),
			flagSet.StringVar(&opts.HostArgs, "host-args", "", "yaml file of per-target argument overrides"),
			flagSet.StringSliceVarP(&opts.Files, "file", "f", nil, "stage local:remote before the module runs", goflags.StringSliceOptions),
		)
	}

	flagSet.CreateGroup("execution", "Execution",
		flagSet.IntVarP(&opts.Concurrency, "concurrency", "c", base.Concurrency, "maximum targets in flight"),
		flagSet.DurationVarP(&opts.Timeout, "timeout", "t", base.Timeout, "per-invocation timeout"),
		flagSet.DurationVar(&opts.Deadline, "deadline", base.Deadline, "deadline for the whole run"),
		flagSet.DurationVar(&opts.ConnectTimeout, "connect-timeout", base.ConnectTimeout, "ssh connect timeout"),
		flagSet.IntVarP(&opts.ConnectRate, "connect-rate", "cr", base.ConnectRate, "maximum gate opens per second (0 for unlimited)"),
		flagSet.StringVar(&opts.Interpreter, "interpreter", base.Interpreter, "interpreter for compatibility modules"),
		flagSet.StringSliceVarP(&opts.Reqs, "requirements", "r", base.Requirements, "python packages installed when a gate opens", goflags.CommaSeparatedStringSliceOptions),
	)

	flagSet.CreateGroup("gate", "Gate",
		flagSet.StringVar(&opts.GatePath, "gate-path", base.GatePath, "run local targets through this gate executable"),
		flagSet.StringVar(&opts.PrebuiltGate, "prebuilt-gate", base.PrebuiltGate, "upload this gate executable instead of building one"),
		flagSet.StringVar(&opts.SourceDir, "source-dir", base.SourceDir, "module root the gate is built from"),
		flagSet.StringVar(&opts.CacheDir, "cache-dir", base.CacheDir, "gate build cache (default ~/.plumbgate)"),
		flagSet.BoolVar(&opts.ForceBuild, "force-build", base.ForceBuild, "rebuild cached gates"),
	)

	flagSet.CreateGroup("output", "Output",
		flagSet.StringVarP(&opts.Output, "output", "o", "text", "report format (text, json, yaml)"),
		flagSet.StringVar(&opts.MetricsAddr, "metrics-addr", base.MetricsAddr, "serve prometheus metrics on this address"),
		flagSet.BoolVarP(&opts.Verbose, "verbose", "v", false, "show verbose output"),
		flagSet.BoolVar(&opts.Debug, "debug", false, "show debug output"),
		flagSet.BoolVar(&opts.Silent, "silent", false, "show only the report"),
		flagSet.BoolVarP(&opts.NoColor, "no-color", "nc", false, "disable output content coloring (ANSI escape codes)"),
	)

	if err := flagSet.Parse(args...); err != nil {
		return nil, err
	}
	opts.Limit = normalize(opts.Limit)
	opts.ModuleDirs = normalize(opts.ModuleDirs)
	opts.Options.Limit = opts.Limit
	opts.Options.ModuleDirs = opts.ModuleDirs
	opts.Options.Requirements = normalize(opts.Reqs)

	opts.configureOutput()

	switch opts.Output {
	case "text", "json", "yaml":
	default:
		return nil, fmt.Errorf("unknown output format %q", opts.Output)
	}
	if command != "play" && opts.Module == "" {
		return nil, fmt.Errorf("no module given, use -m")
	}
	return opts, opts.Validate()
}

func (o *cliOptions) configureOutput() {
	if o.NoColor {
		gologger.DefaultLogger.SetFormatter(formatter.NewCLI(true))
	}
	if o.Verbose {
		gologger.DefaultLogger.SetMaxLevel(levels.LevelVerbose)
	}
	if o.Debug {
		gologger.DefaultLogger.SetMaxLevel(levels.LevelDebug)
	}
	if o.Silent {
		gologger.DefaultLogger.SetMaxLevel(levels.LevelSilent)
	}
}

func normalize(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: plumbgate <command> [options]

commands:
  run     run one module on every target
  play    run the tasks of a playbook in order
  build   build gate executables for remote platforms

run "plumbgate <command> -h" for the options of a command`)
}
