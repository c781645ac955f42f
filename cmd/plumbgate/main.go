// Command plumbgate runs modules across an inventory through persistent gates.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/eniac111/plumbgate/internal/builder"
	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/gologger"
)

const version = "v0.1.0"

func buildCmd(ctx context.Context, args []string) error {
	base, err := loadBase(args)
	if err != nil {
		return err
	}
	var (
		configFile string
		platforms  goflags.StringSlice
		opts       = builder.Options{
			CacheDir:  base.CacheDir,
			SourceDir: base.SourceDir,
			Force:     base.ForceBuild,
			Version:   version,
		}
	)

	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("plumbgate build cross-compiles gate executables into the cache")
	flagSet.CreateGroup("build", "Build",
		flagSet.StringVar(&configFile, "config", "", "yaml configuration file"),
		flagSet.StringSliceVarP(&platforms, "target", "t", []string{runtime.GOOS + "/" + runtime.GOARCH}, "GOOS/GOARCH to build for (comma separated)", goflags.CommaSeparatedStringSliceOptions),
		flagSet.StringVar(&opts.CacheDir, "cache-dir", opts.CacheDir, "gate build cache (default ~/.plumbgate)"),
		flagSet.StringVar(&opts.SourceDir, "source-dir", opts.SourceDir, "module root the gate is built from"),
		flagSet.BoolVar(&opts.Force, "force", opts.Force, "force rebuild"),
	)
	if err := flagSet.Parse(args...); err != nil {
		return err
	}

	b, err := builder.New(opts)
	if err != nil {
		return err
	}
	for _, platform := range platforms {
		goos, goarch, ok := strings.Cut(platform, "/")
		if !ok {
			goarch = runtime.GOARCH
		}
		path, err := b.Binary(ctx, goos, goarch)
		if err != nil {
			return err
		}
		gologger.Silent().Msgf("%s %s", platform, path)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		code int
		err  error
	)
	switch os.Args[1] {
	case "run":
		code, err = runCmd(ctx, os.Args[2:])
	case "play":
		code, err = playCmd(ctx, os.Args[2:])
	case "build":
		if err = buildCmd(ctx, os.Args[2:]); err != nil {
			code = 1
		}
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", os.Args[1])
		usage()
		code = 1
	}
	if err != nil {
		gologger.Error().Msgf("%s", err)
	}
	stop()
	os.Exit(code)
}
