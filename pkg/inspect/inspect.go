// Package inspect runs checks against the relations of a data directory and provides the
// REPL commands of the interactive inspector.
package inspect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"btverify/pkg/catalog"
	"btverify/pkg/concurrency"
	"btverify/pkg/history"
	"btverify/pkg/metrics"
	"btverify/pkg/verify"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Check verifies one index of cat and the table it belongs to. Both relations are locked for
// the duration of the check: readonly checks keep writers out with a ShareLock, the others
// take an AccessShareLock.
func Check(ctx context.Context, cat *catalog.Catalog, index string, opts verify.Options) (*verify.Result, error) {
	spec, err := cat.IndexSpec(index)
	if err != nil {
		return nil, err
	}
	tm := cat.TransactionManager()
	client := uuid.New()
	if _, err := tm.Begin(client); err != nil {
		return nil, err
	}
	defer func() { _ = tm.Commit(client) }()
	mode := concurrency.AccessShareLock
	if opts.Readonly {
		mode = concurrency.ShareLock
	}
	for _, rel := range []string{spec.Table, index} {
		if err := tm.Lock(ctx, client, rel, mode); err != nil {
			return nil, err
		}
	}

	idx, err := cat.OpenIndex(index)
	if err != nil {
		return nil, err
	}
	defer idx.Close()
	table, err := cat.GetTable(spec.Table)
	if err != nil {
		return nil, err
	}
	if opts.Snapshots == nil {
		opts.Snapshots = tm
	}
	return verify.CheckIndex(ctx, idx, table, opts)
}

// OptionString lists the enabled checks, "default" when none is.
func OptionString(opts verify.Options) string {
	var names []string
	for _, o := range []struct {
		on   bool
		name string
	}{
		{opts.Readonly, "readonly"},
		{opts.HeapAllIndexed, "heapallindexed"},
		{opts.RootDescend, "rootdescend"},
		{opts.CheckUnique, "checkunique"},
		{opts.VerifyChecksums, "checksums"},
	} {
		if o.on {
			names = append(names, o.name)
		}
	}
	if len(names) == 0 {
		return "default"
	}
	return strings.Join(names, ",")
}

// ParseOptions turns check words into options on top of base. "all" enables every check.
func ParseOptions(base verify.Options, words []string) (verify.Options, error) {
	opts := base
	for _, w := range words {
		switch strings.ToLower(w) {
		case "readonly":
			opts.Readonly = true
		case "heapallindexed":
			opts.HeapAllIndexed = true
		case "rootdescend":
			opts.RootDescend = true
		case "checkunique":
			opts.CheckUnique = true
		case "checksums":
			opts.VerifyChecksums = true
		case "all":
			opts.Readonly, opts.HeapAllIndexed, opts.RootDescend, opts.CheckUnique = true, true, true, true
		default:
			return opts, errors.Errorf("unknown check option %q", w)
		}
	}
	return opts, nil
}

// Runner checks indexes and reports every outcome to metrics, history and the log.
type Runner struct {
	Catalog *catalog.Catalog
	Metrics *metrics.Metrics
	History *history.File
	Log     *zap.Logger
}

// Run checks index with opts and records the outcome. The returned error is the check's.
func (r *Runner) Run(ctx context.Context, index string, opts verify.Options) (*verify.Result, error) {
	runID := uuid.NewString()
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("index", index), zap.String("options", OptionString(opts)))
	if opts.Logger == nil {
		opts.Logger = log
	}

	start := time.Now()
	res, err := Check(ctx, r.Catalog, index, opts)
	elapsed := time.Since(start)

	outcome := metrics.Outcome(err)
	if err != nil {
		log.Warn("index check failed", zap.String("outcome", outcome), zap.Error(err), zap.Duration("elapsed", elapsed))
	} else {
		log.Info("index check passed", zap.Int64("pages", res.PagesVisited), zap.Int64("levels", res.LevelsVisited),
			zap.Int64("heap_tuples", res.HeapTuplesPresent), zap.Duration("elapsed", elapsed))
	}
	if r.Metrics != nil {
		r.Metrics.Observe(index, res, err, elapsed)
	}
	if r.History != nil {
		table := ""
		if spec, serr := r.Catalog.IndexSpec(index); serr == nil {
			table = spec.Table
		}
		rec := history.NewRecord(runID, index, table, OptionString(opts), outcome, res, err, elapsed)
		if herr := r.History.Append(rec); herr != nil {
			log.Error("could not record check", zap.Error(herr))
		}
	}
	return res, err
}

// FormatResult renders a successful check.
func FormatResult(index string, res *verify.Result) string {
	s := fmt.Sprintf("index %q is consistent: %d pages on %d levels", index, res.PagesVisited, res.LevelsVisited)
	if res.TuplesFingerprinted > 0 || res.HeapTuplesPresent > 0 {
		s += fmt.Sprintf(", %d index tuples fingerprinted, %d heap tuples matched (bloom fill %.3f)",
			res.TuplesFingerprinted, res.HeapTuplesPresent, res.BloomFillFraction)
	}
	return s
}

// FormatError renders a failed check with its detail and hint lines.
func FormatError(err error) string {
	var ce *verify.CheckError
	if errors.As(err, &ce) {
		return ce.Report()
	}
	return "ERROR:  " + err.Error()
}
