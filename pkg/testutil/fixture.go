// Package testutil builds heap and index relations for tests and for the fixture generator,
// and damages index trees in the ways the verifier has to recognize.
package testutil

import (
	"context"
	"fmt"

	"btverify/pkg/bufpage"
	"btverify/pkg/catalog"
	"btverify/pkg/datum"
	"btverify/pkg/heap"
	"btverify/pkg/nbtree"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Columns is the layout of fixture tables.
var Columns = []catalog.ColumnSpec{{Name: "id", Type: "int4"}, {Name: "owner", Type: "text"}}

// Row returns a row of a fixture table.
func Row(id int64, owner string) []datum.Datum {
	return []datum.Datum{datum.Int(id), datum.String(owner)}
}

// Options shape a fixture.
type Options struct {
	Table string
	Index string
	Rows  int
	// Key returns the id of row i. Nil means i+1.
	Key func(i int) int64
	// Owner returns the owner of row i. Nil means "owner-<i>".
	Owner func(i int) datum.Datum
	// IndexColumn names the indexed column, "id" when empty.
	IndexColumn string
	// OpClass names the operator class of the indexed column.
	OpClass string
	Unique  bool
	Build   nbtree.BuildOptions
}

// Fixture is a data directory holding one table and one index over it. The index exists
// only in memory until Write is called, so tests can damage Tree first.
type Fixture struct {
	Catalog *catalog.Catalog
	Table   *heap.Heap
	Index   string
	Tree    *nbtree.Tree
	TIDs    []bufpage.TID
}

// Create makes the table in dir, fills it in one committed transaction and builds the index.
func Create(ctx context.Context, dir string, opts Options) (*Fixture, error) {
	if opts.Table == "" {
		opts.Table = "accounts"
	}
	if opts.Index == "" {
		opts.Index = opts.Table + "_idx"
	}
	if opts.IndexColumn == "" {
		opts.IndexColumn = "id"
	}
	c, err := catalog.Open(dir)
	if err != nil {
		return nil, err
	}
	f := &Fixture{Catalog: c, Index: opts.Index}
	if f.Table, err = c.CreateTable(opts.Table, Columns); err != nil {
		_ = c.Close()
		return nil, err
	}

	rows := make([][]datum.Datum, opts.Rows)
	for i := range rows {
		rows[i] = Row(int64(i+1), fmt.Sprintf("owner-%d", i))
		if opts.Key != nil {
			rows[i][0] = datum.Int(opts.Key(i))
		}
		if opts.Owner != nil {
			rows[i][1] = opts.Owner(i)
		}
	}
	if f.TIDs, err = f.Insert(ctx, rows...); err != nil {
		_ = c.Close()
		return nil, err
	}

	typ := "int4"
	if opts.IndexColumn == "owner" {
		typ = "text"
	}
	_, err = c.CreateIndex(catalog.IndexSpec{
		Name:    opts.Index,
		Table:   opts.Table,
		Unique:  opts.Unique,
		Columns: []catalog.IndexColumnSpec{{Name: opts.IndexColumn, Type: typ, HeapColumn: opts.IndexColumn, OpClass: opts.OpClass}},
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if f.Tree, err = c.BuildTree(ctx, opts.Index, opts.Build); err != nil {
		_ = c.Close()
		return nil, err
	}
	return f, nil
}

// Insert adds rows to the table in one committed transaction without touching the index.
func (f *Fixture) Insert(ctx context.Context, rows ...[]datum.Datum) ([]bufpage.TID, error) {
	tm := f.Catalog.TransactionManager()
	client := uuid.New()
	tx, err := tm.Begin(client)
	if err != nil {
		return nil, err
	}
	tids := make([]bufpage.TID, 0, len(rows))
	for _, row := range rows {
		tid, err := f.Table.Insert(ctx, tx.GetXID(), row)
		if err != nil {
			_ = tm.Abort(client)
			return nil, errors.Wrapf(err, "could not insert into %q", f.Table.Name())
		}
		tids = append(tids, tid)
	}
	return tids, tm.Commit(client)
}

// Delete deletes rows in one committed transaction.
func (f *Fixture) Delete(ctx context.Context, tids ...bufpage.TID) error {
	tm := f.Catalog.TransactionManager()
	client := uuid.New()
	tx, err := tm.Begin(client)
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if err := f.Table.Delete(ctx, tid, tx.GetXID()); err != nil {
			_ = tm.Abort(client)
			return errors.Wrapf(err, "could not delete %s from %q", tid, f.Table.Name())
		}
	}
	return tm.Commit(client)
}

// Write writes Tree as the index file and saves the catalog.
func (f *Fixture) Write() error {
	if err := f.Catalog.WriteIndex(f.Index, f.Tree); err != nil {
		return err
	}
	return f.Catalog.Save()
}

// Open opens the written index. The caller closes it.
func (f *Fixture) Open() (*nbtree.Index, error) {
	return f.Catalog.OpenIndex(f.Index)
}

// Close closes the table.
func (f *Fixture) Close() error {
	return f.Catalog.Close()
}
