// Package dispatcher fans one module run out over many targets with bounded
// parallelism and collects exactly one result per target.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eniac111/plumbgate/internal/gate"
	"github.com/eniac111/plumbgate/internal/metrics"
	"github.com/eniac111/plumbgate/internal/transport"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/projectdiscovery/gologger"
	mapsutil "github.com/projectdiscovery/utils/maps"
	syncutil "github.com/projectdiscovery/utils/sync"
	"github.com/rs/xid"
	"golang.org/x/time/rate"
)

// DefaultConcurrency is used when a run does not set Concurrency.
const DefaultConcurrency = 10

// Config is shared by every run of a Dispatcher.
type Config struct {
	Transport transport.Options
	Gate      gate.Options
	// TransportFor overrides transport selection, mostly for tests.
	TransportFor func(types.Target) transport.Transport
}

// Options tunes a single run.
type Options struct {
	Concurrency int
	// Deadline bounds the whole run. Targets still in flight when it expires
	// are reported as timeout.
	Deadline time.Duration
	// ConnectRate limits gate opens per second, zero means unlimited.
	ConnectRate float64
	// HostArgs are merged over the module args for individual targets.
	HostArgs map[string]map[string]any
	Files    []types.StagedFile
}

// Dispatcher owns a pool of gates, one per target, reused across runs until
// they die or Close is called.
type Dispatcher struct {
	cfg Config

	mu   sync.Mutex
	pool map[string]*gate.Gate
	// opening serializes check-and-open per target id.
	opening map[string]*sync.Mutex
}

// New returns a Dispatcher with an empty gate pool.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg, pool: map[string]*gate.Gate{}, opening: map[string]*sync.Mutex{}}
}

// Run invokes module with args on every target and returns once each target
// has a terminal result. Failures of one target never affect the others.
func (d *Dispatcher) Run(ctx context.Context, targets []types.Target, module types.ModuleRef, args map[string]any, opts Options) types.Report {
	report := types.Report{RunID: xid.New().String(), Module: module.Name}
	unique := dedupe(targets)

	runCtx := ctx
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	var limiter *rate.Limiter
	if opts.ConnectRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ConnectRate), 1)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	results := mapsutil.NewSyncLockMap[string, *types.InvocationResult]()
	awg, err := syncutil.New(syncutil.WithSize(concurrency))
	if err != nil {
		for _, target := range unique {
			res := d.record(types.ErrorResult(target.ID, types.StatusTransportError, err))
			_ = results.Set(target.ID, &res)
		}
		report.Results = collect(results)
		return report
	}

	gologger.Verbose().Msgf("run %s: %s on %d targets (concurrency %d)", report.RunID, module.Name, len(unique), concurrency)
	for _, target := range unique {
		awg.Add()
		if err := runCtx.Err(); err != nil {
			awg.Done()
			res := d.record(types.ErrorResult(target.ID, types.StatusTimeout, fmt.Errorf("not started: %w", err)))
			_ = results.Set(target.ID, &res)
			continue
		}
		go func(target types.Target) {
			defer awg.Done()
			res := d.runTarget(runCtx, target, module, args, opts, limiter)
			_ = results.Set(target.ID, &res)
		}(target)
	}
	awg.Wait()

	report.Results = collect(results)
	counts := report.Count()
	gologger.Info().Msgf("run %s: %d targets, %d ok, %d module errors, %d unreachable, %d timed out",
		report.RunID, len(report.Results), counts[types.StatusSuccess], counts[types.StatusModuleError],
		counts[types.StatusTransportError], counts[types.StatusTimeout])
	return report
}

func (d *Dispatcher) runTarget(ctx context.Context, target types.Target, module types.ModuleRef, args map[string]any, opts Options, limiter *rate.Limiter) types.InvocationResult {
	targetArgs, err := ResolveArgs(args, opts.HostArgs[target.ID], target.Vars)
	if err != nil {
		return d.record(types.ErrorResult(target.ID, types.StatusModuleError, err))
	}

	g, err := d.acquire(ctx, target, limiter)
	if err != nil {
		gologger.Warning().Msgf("%s: %v", target.ID, err)
		return d.record(types.ErrorResult(target.ID, classify(ctx, err), err))
	}

	res := g.Invoke(ctx, types.ModuleInvocation{Module: module, Args: targetArgs, Files: opts.Files})
	if g.Dead() {
		d.evict(target.ID, g)
	}
	gologger.Verbose().Msgf("%s: %s (changed=%t failed=%t) in %s", target.ID, res.Status, res.Changed, res.Failed, res.Duration.Round(time.Millisecond))
	return res
}

// acquire returns the pooled gate for target, opening a fresh one when the
// pool has none or only a dead one. Concurrent callers for one target wait
// for a single open and share its gate.
func (d *Dispatcher) acquire(ctx context.Context, target types.Target, limiter *rate.Limiter) (*gate.Gate, error) {
	d.mu.Lock()
	lock, ok := d.opening[target.ID]
	if !ok {
		lock = &sync.Mutex{}
		d.opening[target.ID] = lock
	}
	d.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	g, ok := d.pool[target.ID]
	d.mu.Unlock()
	if ok {
		if !g.Dead() {
			return g, nil
		}
		d.evict(target.ID, g)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting to connect: %w", err)
		}
	}
	g, err := gate.Open(ctx, target, d.transportFor(target), d.cfg.Gate)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.pool[target.ID] = g
	d.mu.Unlock()
	return g, nil
}

func (d *Dispatcher) transportFor(target types.Target) transport.Transport {
	if d.cfg.TransportFor != nil {
		return d.cfg.TransportFor(target)
	}
	return transport.ForTarget(target, d.cfg.Transport)
}

func (d *Dispatcher) evict(id string, g *gate.Gate) {
	d.mu.Lock()
	if d.pool[id] == g {
		delete(d.pool, id)
	}
	d.mu.Unlock()
	_ = g.Close()
}

// record counts results the dispatcher produces without reaching a gate.
func (d *Dispatcher) record(res types.InvocationResult) types.InvocationResult {
	metrics.Invocations.WithLabelValues(string(res.Status)).Inc()
	return res
}

// Close shuts down every pooled gate. Later runs open fresh gates.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	gates := make([]*gate.Gate, 0, len(d.pool))
	for _, g := range d.pool {
		gates = append(gates, g)
	}
	d.pool = map[string]*gate.Gate{}
	d.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(gates))
	for i, g := range gates {
		wg.Add(1)
		go func(i int, g *gate.Gate) {
			defer wg.Done()
			errs[i] = g.Close()
		}(i, g)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func collect(results *mapsutil.SyncLockMap[string, *types.InvocationResult]) map[string]types.InvocationResult {
	all := results.GetAll()
	out := make(map[string]types.InvocationResult, len(all))
	for id, res := range all {
		out[id] = *res
	}
	return out
}

func classify(ctx context.Context, err error) types.Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.StatusTimeout
	}
	return types.StatusTransportError
}

func dedupe(targets []types.Target) []types.Target {
	seen := make(map[string]struct{}, len(targets))
	unique := make([]types.Target, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		unique = append(unique, t)
	}
	return unique
}
