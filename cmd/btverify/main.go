package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"btverify/pkg/catalog"
	"btverify/pkg/config"
	"btverify/pkg/history"
	"btverify/pkg/inspect"
	"btverify/pkg/logger"
	"btverify/pkg/metrics"
	"btverify/pkg/verify"

	"github.com/google/uuid"
	"github.com/otiai10/copy"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exit codes.
const (
	exitOK        = 0
	exitCorrupted = 1
	exitError     = 2
)

const usage = `usage: btverify [flags] <command> [args]

commands:
  check [index...]   verify the named indexes, or every index of the data directory
  inspect            start the interactive inspector
  history [count]    print the most recent checks

flags:
`

// Cancels ctx on SIGINT or SIGTERM.
func setupCloseHandler(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Applies the flags given on the command line on top of the loaded configuration.
func applyFlags(cfg *config.Config, fs *flag.FlagSet, check config.CheckConfig, parallel int, metricsAddr, historyFile string) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "readonly":
			cfg.Check.Readonly = check.Readonly
		case "heapallindexed":
			cfg.Check.HeapAllIndexed = check.HeapAllIndexed
		case "rootdescend":
			cfg.Check.RootDescend = check.RootDescend
		case "checkunique":
			cfg.Check.CheckUnique = check.CheckUnique
		case "checksums":
			cfg.Check.VerifyChecksums = check.VerifyChecksums
		case "hasher":
			cfg.Check.Hasher = check.Hasher
		case "parallel":
			cfg.Parallelism = parallel
		case "metrics":
			cfg.MetricsAddr = metricsAddr
		case "history":
			cfg.HistoryFile = historyFile
		}
	})
}

func checkOptions(cfg config.Config) verify.Options {
	return verify.Options{
		Readonly:        cfg.Check.Readonly,
		HeapAllIndexed:  cfg.Check.HeapAllIndexed,
		RootDescend:     cfg.Check.RootDescend,
		CheckUnique:     cfg.Check.CheckUnique,
		VerifyChecksums: cfg.Check.VerifyChecksums,
		WorkMem:         cfg.Check.WorkMem,
		Hasher:          cfg.Check.Hasher,
	}
}

// Splits index arguments, accepting comma separated lists.
func indexNames(args []string) []string {
	var names []string
	for _, arg := range args {
		for _, name := range strings.Split(arg, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// Checks every index, at most parallelism at once. Returns the number of checks that found a
// problem and the number that could not complete.
func runChecks(ctx context.Context, runner *inspect.Runner, names []string, opts verify.Options, parallelism int) (corrupted, failed int, err error) {
	outcomes := make([]int, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, name := range names {
		g.Go(func() error {
			res, err := runner.Run(gctx, name, opts)
			if err == nil {
				fmt.Println(inspect.FormatResult(name, res))
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Println(inspect.FormatError(err))
			var ce *verify.CheckError
			if errors.As(err, &ce) {
				outcomes[i] = exitCorrupted
			} else {
				outcomes[i] = exitError
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	for _, o := range outcomes {
		switch o {
		case exitCorrupted:
			corrupted++
		case exitError:
			failed++
		}
	}
	return corrupted, failed, nil
}

// Operational failures take precedence over corruption.
func exitCode(corrupted, failed int) int {
	switch {
	case failed > 0:
		return exitError
	case corrupted > 0:
		return exitCorrupted
	}
	return exitOK
}

func run() int {
	fs := flag.NewFlagSet(config.ToolName, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	var configFlag = fs.String("config", "", "YAML configuration file")
	var dataFlag = fs.String("data", "data/", "data directory")
	var snapshotFlag = fs.String("snapshot-dir", "", "copy the data directory here and check the copy")
	var promptFlag = fs.Bool("c", true, "use prompt?")
	var check config.CheckConfig
	fs.BoolVar(&check.Readonly, "readonly", false, "assume no concurrent writers and run the cross level checks")
	fs.BoolVar(&check.HeapAllIndexed, "heapallindexed", false, "check that every heap row is indexed")
	fs.BoolVar(&check.RootDescend, "rootdescend", false, "search for every leaf tuple from the root")
	fs.BoolVar(&check.CheckUnique, "checkunique", false, "check unique indexes for duplicate visible entries")
	fs.BoolVar(&check.VerifyChecksums, "checksums", true, "verify page checksums")
	fs.StringVar(&check.Hasher, "hasher", "xxhash", "Bloom filter hash: xxhash or murmur3")
	var parallelFlag = fs.Int("parallel", 1, "indexes checked at once")
	var metricsFlag = fs.String("metrics", "", "serve prometheus metrics on this address")
	var historyFlag = fs.String("history", config.HistoryFileName, "run history file, empty to disable")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitError
	}
	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	applyFlags(&cfg, fs, check, *parallelFlag, *metricsFlag, *historyFlag)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := setupCloseHandler(context.Background())
	defer stop()

	dataDir := *dataFlag
	if *snapshotFlag != "" {
		if err := copy.Copy(dataDir, *snapshotFlag); err != nil {
			log.Error("could not snapshot data directory", zap.String("data", dataDir), zap.Error(err))
			return exitError
		}
		log.Info("checking snapshot", zap.String("data", dataDir), zap.String("snapshot", *snapshotFlag))
		dataDir = *snapshotFlag
	}
	cat, err := catalog.Open(dataDir)
	if err != nil {
		log.Error("could not open data directory", zap.String("data", dataDir), zap.Error(err))
		return exitError
	}
	defer cat.Close()

	runner := &inspect.Runner{Catalog: cat, Log: log}
	if cfg.HistoryFile != "" {
		runner.History = history.Open(cfg.HistoryFile)
	}
	if cfg.MetricsAddr != "" {
		runner.Metrics = metrics.New()
		go func() {
			if err := runner.Metrics.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}
	opts := checkOptions(cfg)

	command, args := "check", fs.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "check":
		names := indexNames(args)
		if len(names) == 0 {
			names = cat.Indexes()
		}
		corrupted, failed, err := runChecks(ctx, runner, names, opts, cfg.Parallelism)
		if err != nil {
			log.Error("check interrupted", zap.Error(err))
			return exitError
		}
		return exitCode(corrupted, failed)

	case "inspect":
		r, err := inspect.InspectRepl(runner, opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		r.Run(uuid.New(), config.GetPrompt(*promptFlag), nil, nil)
		return exitOK

	case "history":
		out, err := inspect.HandleHistory(runner, strings.Join(append([]string{"history"}, args...), " "))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		fmt.Print(out)
		return exitOK
	}
	fs.Usage()
	return exitError
}

func main() {
	os.Exit(run())
}
