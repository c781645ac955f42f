// Command plumbgate-gate is the runtime started on each target. It speaks the
// framed protocol on stdin/stdout and logs to stderr only.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/eniac111/plumbgate/internal/gateloop"
	"github.com/projectdiscovery/gologger"
	"github.com/projectdiscovery/gologger/levels"
	envutil "github.com/projectdiscovery/utils/env"
)

func main() {
	dir := flag.String("dir", "", "module cache and scratch directory")
	interpreter := flag.String("interpreter", "", "interpreter for modules without a usable shebang")
	flag.Parse()

	gologger.DefaultLogger.SetMaxLevel(levels.LevelError)
	if envutil.GetEnvOrDefault("PLUMBGATE_GATE_DEBUG", "") != "" {
		gologger.DefaultLogger.SetMaxLevel(levels.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := gateloop.Serve(ctx, os.Stdin, os.Stdout, gateloop.Options{Dir: *dir, Interpreter: *interpreter})
	if err != nil && ctx.Err() == nil {
		gologger.Error().Msgf("gate: %v", err)
		os.Exit(1)
	}
}
