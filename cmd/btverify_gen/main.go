package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"btverify/pkg/config"
	"btverify/pkg/logger"
	"btverify/pkg/nbtree"
	"btverify/pkg/testutil"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// missingHeapEntry adds a committed heap row after the index is built.
const missingHeapEntry testutil.Damage = "missing-heap-entry"

type genOptions struct {
	fixture testutil.Options
	damage  testutil.Damage
}

// Builds one data directory in dir.
func generate(ctx context.Context, dir string, opts genOptions, log *zap.Logger) error {
	if _, err := os.Stat(filepath.Join(dir, config.CatalogFileName)); err == nil {
		return errors.Errorf("%s already holds a data directory", dir)
	}
	f, err := testutil.Create(ctx, dir, opts.fixture)
	if err != nil {
		return err
	}
	defer f.Close()

	switch opts.damage {
	case "":
	case missingHeapEntry:
		id := int64(opts.fixture.Rows + 1)
		tids, err := f.Insert(ctx, testutil.Row(id, "unindexed"))
		if err != nil {
			return err
		}
		log.Info("added heap row without index entry", zap.Stringer("tid", tids[0]))
	default:
		if err := testutil.Apply(f.Tree, opts.damage); err != nil {
			return err
		}
	}
	if err := f.Write(); err != nil {
		return err
	}
	log.Info("generated data directory",
		zap.String("data", dir),
		zap.String("index", f.Index),
		zap.Int("rows", opts.fixture.Rows),
		zap.Int("levels", len(f.Tree.Levels)),
		zap.Uint32("blocks", f.Tree.NumBlocks()),
		zap.String("damage", string(opts.damage)))
	return nil
}

func main() {
	var dataFlag = flag.String("data", "data/", "data directory to create")
	var tableFlag = flag.String("table", "accounts", "table name")
	var rowsFlag = flag.Int("rows", 20, "rows to insert")
	var uniqueFlag = flag.Bool("unique", false, "build a unique index")
	var dedupFlag = flag.Bool("dedup", false, "merge equal keys into posting lists")
	var leafFlag = flag.Int("leaf-items", 5, "data items per leaf page, 0 to fill by space")
	var internalFlag = flag.Int("internal-items", 0, "downlinks per internal page, 0 to fill by space")
	var versionFlag = flag.Uint("version", uint(nbtree.Version), "metapage version")
	var checksumsFlag = flag.Bool("checksums", true, "stamp page checksums")
	var damageFlag = flag.String("damage", "", fmt.Sprintf("damage to apply: %v, %s, or all for one directory per damage", testutil.Damages, missingHeapEntry))
	flag.Parse()

	log, err := logger.New(logger.Config{Level: "info", Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	opts := genOptions{
		fixture: testutil.Options{
			Table:  *tableFlag,
			Rows:   *rowsFlag,
			Unique: *uniqueFlag,
			Build: nbtree.BuildOptions{
				Version:       uint32(*versionFlag),
				LeafItems:     *leafFlag,
				InternalItems: *internalFlag,
				Dedup:         *dedupFlag,
				Checksums:     *checksumsFlag,
			},
		},
		damage: testutil.Damage(*damageFlag),
	}

	ctx := context.Background()
	if opts.damage != "all" {
		if err := generate(ctx, *dataFlag, opts, log); err != nil {
			log.Fatal("could not generate data directory", zap.Error(err))
		}
		return
	}
	for _, d := range append(append([]testutil.Damage{}, testutil.Damages...), missingHeapEntry) {
		opts.damage = d
		if err := generate(ctx, filepath.Join(*dataFlag, string(d)), opts, log); err != nil {
			log.Fatal("could not generate data directory", zap.String("damage", string(d)), zap.Error(err))
		}
	}
}
