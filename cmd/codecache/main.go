// codecache runs a synthetic multi-threaded workload against the compiled
// code runtime and reports what the inline caches, adapters and sweeper did.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/codecache/config"
	"github.com/chazu/codecache/journal"
	"github.com/chazu/codecache/server"
	"github.com/chazu/codecache/vm"
	"github.com/chazu/codecache/vm/heapstate"
)

var log = commonlog.GetLogger("codecache")

type settings struct {
	opts          vm.Options
	compile       bool
	threads       int
	calls         int
	redefineEvery int
	snapshotPath  string
	serve         bool
	httpAddr      string
	grpcAddr      string
	journalPath   string
}

func main() {
	configPath := flag.String("config", "", "Path to codecache.toml (default: search upward from the working directory)")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides log.verbosity)")
	threads := flag.Int("threads", 4, "Mutator threads")
	calls := flag.Int("calls", 20000, "Calls per mutator thread")
	redefineEvery := flag.Int("redefine-every", 5000, "Redefine Square.area every N calls on the first thread (0 disables)")
	compile := flag.Bool("compile", false, "Compile hot methods with the synthetic compiler (also compiler.enabled)")
	snapshotPath := flag.String("snapshot", "", "Write a CBOR code heap snapshot to this file on exit")
	serve := flag.Bool("serve", false, "Keep serving diagnostics after the workload until interrupted")
	httpAddr := flag.String("addr", "", "Diagnostics HTTP address (overrides diagnostics.http-address)")
	grpcAddr := flag.String("grpc-addr", "", "Health service address (overrides diagnostics.grpc-address)")
	journalPath := flag.String("journal", "", "SQLite journal path (overrides diagnostics.journal)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: codecache [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a synthetic call workload against the code cache runtime.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  codecache -threads 8 -compile              # Hot methods get compiled\n")
		fmt.Fprintf(os.Stderr, "  codecache -journal sweeps.db -snapshot heap.cbor\n")
		fmt.Fprintf(os.Stderr, "  codecache -serve -addr :9090               # Connect diagnostics and /metrics\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogVerbosity(0)
	if *verbosity >= 0 {
		level = *verbosity
	}
	var logPath *string
	if cfg != nil && cfg.Log.Path != "" {
		logPath = &cfg.Log.Path
	}
	commonlog.Configure(level, logPath)

	opts, err := cfg.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	s := settings{
		opts:          opts,
		compile:       *compile,
		threads:       *threads,
		calls:         *calls,
		redefineEvery: *redefineEvery,
		snapshotPath:  *snapshotPath,
		serve:         *serve,
		httpAddr:      *httpAddr,
		grpcAddr:      *grpcAddr,
		journalPath:   *journalPath,
	}
	if cfg != nil {
		s.compile = s.compile || cfg.Compiler.Enabled
		s.httpAddr = orDefault(s.httpAddr, cfg.Diagnostics.HTTPAddress)
		s.grpcAddr = orDefault(s.grpcAddr, cfg.Diagnostics.GRPCAddress)
		s.journalPath = orDefault(s.journalPath, cfg.Diagnostics.Journal)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.FindAndLoad(wd)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, s settings) error {
	var j *journal.Journal
	var options []vm.Option
	if s.journalPath != "" {
		var err error
		if j, err = journal.Open(s.journalPath); err != nil {
			return err
		}
		defer j.Close()
		options = append(options, vm.WithHooks(j.Hooks()))
	}
	if s.compile {
		options = append(options, vm.WithCompiler(vm.SyntheticCompiler{}))
	}
	options = append(options, vm.WithFatalHandler(func(fe *vm.FatalError) {
		log.Criticalf("%v", fe)
		os.Exit(70)
	}))

	rt, err := vm.New(s.opts, options...)
	if err != nil {
		return err
	}
	defer rt.Shutdown()
	if err := rt.Start(); err != nil {
		return err
	}

	if s.httpAddr != "" || s.grpcAddr != "" {
		srv := server.New(rt, server.WithJournal(j))
		defer srv.Stop()
		if s.httpAddr != "" {
			go func() {
				if err := srv.ListenAndServe(s.httpAddr); err != nil {
					log.Errorf("diagnostics server: %v", err)
				}
			}()
		}
		if s.grpcAddr != "" {
			lis, err := net.Listen("tcp", s.grpcAddr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.ServeGRPC(lis); err != nil {
					log.Errorf("health server: %v", err)
				}
			}()
		}
	}

	w, err := newWorkload(rt)
	if err != nil {
		return err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.threads; i++ {
		g.Go(func() error {
			redefine := 0
			if i == 0 {
				redefine = s.redefineEvery
			}
			return w.mutate(gctx, i, s.calls, redefine)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	elapsed := time.Since(start)

	rt.Sweeper().SweepNow()
	snap := heapstate.Capture(rt)
	printSummary(rt, snap, w.total.Load(), s.threads, elapsed)

	if s.snapshotPath != "" {
		data, err := heapstate.Marshal(snap)
		if err != nil {
			return err
		}
		if err := os.WriteFile(s.snapshotPath, data, 0o644); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
		log.Noticef("wrote %s snapshot to %s", humanize.IBytes(uint64(len(data))), s.snapshotPath)
	}

	if s.serve {
		log.Noticef("serving diagnostics until interrupted")
		<-ctx.Done()
	}
	return nil
}

func printSummary(rt *vm.Runtime, snap *heapstate.Snapshot, calls int64, threads int, elapsed time.Duration) {
	fmt.Printf("Ran %s calls on %d threads in %s\n",
		humanize.Comma(calls), threads, elapsed.Round(time.Millisecond))
	snap.Print(os.Stdout)

	fmt.Printf("  inline cache hit rate: %.1f%%\n", rt.ICStats().HitRate())
	b := rt.Broker().Stats()
	fmt.Printf("  compiler: %d compiled, %d failed, %d dropped in %s\n",
		b.Compiled, b.Failed, b.Dropped, b.CompilationTime.Round(time.Microsecond))
	fmt.Printf("  sweeper: %d cycles, flushed %s in %s methods\n",
		rt.Sweeper().Epoch(), humanize.IBytes(rt.CodeCache().FlushedBytes()),
		humanize.Comma(int64(rt.CodeCache().FlushedCount())))
	fmt.Printf("  safepoint operations: %s\n", humanize.Comma(int64(rt.Pump().Executed())))
}
