// Package catalog keeps the data directory catalog: which heap and index relations exist,
// their column layouts, and the transaction state needed to judge row visibility.
package catalog

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"btverify/pkg/bufpage"
	"btverify/pkg/concurrency"
	"btverify/pkg/config"
	"btverify/pkg/datum"
	"btverify/pkg/heap"
	"btverify/pkg/nbtree"
	"btverify/pkg/pager"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned for relations the catalog does not know.
	ErrNotFound = errors.New("relation not found")
	// ErrExists is returned when creating a relation whose name is taken.
	ErrExists = errors.New("relation already exists")

	nonWord = regexp.MustCompile(`\W`)
)

// ColumnSpec is a heap column as written in the catalog file.
type ColumnSpec struct {
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type" validate:"required,oneof=int4 int integer int8 bigint text varchar"`
}

// TableSpec describes one heap relation.
type TableSpec struct {
	Name string `yaml:"name" validate:"required"`
	File string `yaml:"file" validate:"required"`
	// RelTuples is the row count recorded by the last index build, -1 when unknown.
	RelTuples int64        `yaml:"reltuples"`
	Columns   []ColumnSpec `yaml:"columns" validate:"required,min=1,dive"`
}

// IndexColumnSpec describes one index column.
type IndexColumnSpec struct {
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type" validate:"required"`
	// HeapColumn names the heap column the value is taken from, or the argument of Expr.
	HeapColumn string `yaml:"heap_column" validate:"required"`
	Expr       string `yaml:"expr,omitempty" validate:"omitempty,oneof=lower upper negate"`
	OpClass    string `yaml:"opclass,omitempty"`
	Desc       bool   `yaml:"desc,omitempty"`
	// Nulls is "first" or "last". Empty means last for ascending and first for descending columns.
	Nulls string `yaml:"nulls,omitempty" validate:"omitempty,oneof=first last"`
}

// IndexSpec describes one B-tree index.
type IndexSpec struct {
	Name   string `yaml:"name" validate:"required"`
	Table  string `yaml:"table" validate:"required"`
	File   string `yaml:"file" validate:"required"`
	Unique bool   `yaml:"unique,omitempty"`
	// NKeyAtts is the number of key columns; the rest are INCLUDE columns. Zero means all.
	NKeyAtts int `yaml:"nkey_atts,omitempty" validate:"min=0"`
	// CheckXmin is the oldest transaction that may not see the index as valid yet.
	CheckXmin concurrency.XID   `yaml:"check_xmin,omitempty"`
	Columns   []IndexColumnSpec `yaml:"columns" validate:"required,min=1,dive"`
}

// File is the content of the catalog file.
type File struct {
	Xacts   concurrency.XactState `yaml:"xacts"`
	Tables  []TableSpec           `yaml:"tables" validate:"dive"`
	Indexes []IndexSpec           `yaml:"indexes" validate:"dive"`
}

// Catalog is an open data directory.
type Catalog struct {
	basepath string
	file     File
	tm       *concurrency.TransactionManager
	tables   map[string]*heap.Heap
	mtx      sync.Mutex // Guards tables.
}

// Open opens the data directory at folder, creating it when missing.
func Open(folder string) (*Catalog, error) {
	if err := os.MkdirAll(folder, 0775); err != nil {
		return nil, err
	}
	c := &Catalog{
		basepath: folder,
		tm:       concurrency.NewTransactionManager(concurrency.NewLockManager()),
		tables:   make(map[string]*heap.Heap),
	}
	raw, err := os.ReadFile(c.path())
	switch {
	case os.IsNotExist(err):
		return c, nil
	case err != nil:
		return nil, errors.Wrapf(err, "could not read catalog in %s", folder)
	}
	if err := yaml.Unmarshal(raw, &c.file); err != nil {
		return nil, errors.Wrapf(err, "could not parse %s", c.path())
	}
	if err := validator.New().Struct(c.file); err != nil {
		return nil, errors.Wrapf(err, "invalid catalog %s", c.path())
	}
	c.tm.Restore(c.file.Xacts)
	return c, nil
}

func (c *Catalog) path() string {
	return filepath.Join(c.basepath, config.CatalogFileName)
}

// GetBasePath returns the data directory.
func (c *Catalog) GetBasePath() string {
	return c.basepath
}

// TransactionManager returns the transaction manager restored from the catalog.
func (c *Catalog) TransactionManager() *concurrency.TransactionManager {
	return c.tm
}

// Save writes the catalog file, including the current transaction state.
func (c *Catalog) Save() error {
	c.file.Xacts = c.tm.State()
	sort.Slice(c.file.Xacts.Aborted, func(i, j int) bool { return c.file.Xacts.Aborted[i] < c.file.Xacts.Aborted[j] })
	sort.Slice(c.file.Xacts.InProgress, func(i, j int) bool { return c.file.Xacts.InProgress[i] < c.file.Xacts.InProgress[j] })
	raw, err := yaml.Marshal(&c.file)
	if err != nil {
		return err
	}
	tmp := c.path() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0664); err != nil {
		return err
	}
	return os.Rename(tmp, c.path())
}

// Close closes every open table.
func (c *Catalog) Close() (err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for name, h := range c.tables {
		if curErr := h.Close(); err == nil {
			err = curErr
		}
		delete(c.tables, name)
	}
	return err
}

// Tables returns the table names in catalog order.
func (c *Catalog) Tables() []string {
	names := make([]string, len(c.file.Tables))
	for i, t := range c.file.Tables {
		names[i] = t.Name
	}
	return names
}

// Indexes returns the index names in catalog order.
func (c *Catalog) Indexes() []string {
	names := make([]string, len(c.file.Indexes))
	for i, ix := range c.file.Indexes {
		names[i] = ix.Name
	}
	return names
}

func (c *Catalog) tableSpec(name string) (*TableSpec, error) {
	for i := range c.file.Tables {
		if c.file.Tables[i].Name == name {
			return &c.file.Tables[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "table %q", name)
}

// IndexSpec returns the catalog entry of an index.
func (c *Catalog) IndexSpec(name string) (*IndexSpec, error) {
	for i := range c.file.Indexes {
		if c.file.Indexes[i].Name == name {
			return &c.file.Indexes[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "index %q", name)
}

func (c *Catalog) checkNewName(name string) error {
	if name == "" || nonWord.MatchString(name) {
		return errors.Errorf("relation name %q must be alphanumeric", name)
	}
	if _, err := c.tableSpec(name); err == nil {
		return errors.Wrapf(ErrExists, "%q", name)
	}
	if _, err := c.IndexSpec(name); err == nil {
		return errors.Wrapf(ErrExists, "%q", name)
	}
	return nil
}

func heapColumns(spec *TableSpec) ([]heap.Column, error) {
	cols := make([]heap.Column, len(spec.Columns))
	for i, col := range spec.Columns {
		typ, err := datum.ParseType(col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "table %q", spec.Name)
		}
		cols[i] = heap.Column{Name: col.Name, Type: typ}
	}
	return cols, nil
}

// CreateTable adds a heap relation and opens it for writing.
func (c *Catalog) CreateTable(name string, columns []ColumnSpec) (*heap.Heap, error) {
	if err := c.checkNewName(name); err != nil {
		return nil, err
	}
	spec := TableSpec{Name: name, File: name + ".heap", RelTuples: -1, Columns: columns}
	if err := validator.New().Struct(spec); err != nil {
		return nil, errors.Wrapf(err, "invalid table %q", name)
	}
	cols, err := heapColumns(&spec)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(c.basepath, spec.File)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.Wrapf(ErrExists, "file %s", path)
	}
	h, err := heap.Create(path, name, cols, c.tm)
	if err != nil {
		return nil, err
	}
	c.file.Tables = append(c.file.Tables, spec)
	c.mtx.Lock()
	c.tables[name] = h
	c.mtx.Unlock()
	return h, nil
}

// GetTable returns a table, opening it read-only unless this catalog created it.
func (c *Catalog) GetTable(name string) (*heap.Heap, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if h, ok := c.tables[name]; ok {
		return h, nil
	}
	spec, err := c.tableSpec(name)
	if err != nil {
		return nil, err
	}
	cols, err := heapColumns(spec)
	if err != nil {
		return nil, err
	}
	h, err := heap.Open(filepath.Join(c.basepath, spec.File), name, cols, c.tm)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open table %q", name)
	}
	h.SetEstimatedTuples(spec.RelTuples)
	c.tables[name] = h
	return h, nil
}

// CreateIndex registers an index over an existing table. Its file is written by WriteIndex.
func (c *Catalog) CreateIndex(spec IndexSpec) (*nbtree.Desc, error) {
	if err := c.checkNewName(spec.Name); err != nil {
		return nil, err
	}
	if spec.File == "" {
		spec.File = spec.Name + ".idx"
	}
	if err := validator.New().Struct(spec); err != nil {
		return nil, errors.Wrapf(err, "invalid index %q", spec.Name)
	}
	desc, err := c.buildDesc(&spec)
	if err != nil {
		return nil, err
	}
	c.file.Indexes = append(c.file.Indexes, spec)
	return desc, nil
}

// IndexDesc builds the descriptor of an index from its catalog entry.
func (c *Catalog) IndexDesc(name string) (*nbtree.Desc, error) {
	spec, err := c.IndexSpec(name)
	if err != nil {
		return nil, err
	}
	return c.buildDesc(spec)
}

func (c *Catalog) buildDesc(spec *IndexSpec) (*nbtree.Desc, error) {
	table, err := c.tableSpec(spec.Table)
	if err != nil {
		return nil, errors.Wrapf(err, "index %q", spec.Name)
	}
	desc := &nbtree.Desc{Name: spec.Name, NKeyAtts: spec.NKeyAtts, Unique: spec.Unique}
	for _, col := range spec.Columns {
		typ, err := datum.ParseType(col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "index %q", spec.Name)
		}
		attr := -1
		for i, hc := range table.Columns {
			if hc.Name == col.HeapColumn {
				attr = i
				break
			}
		}
		if attr < 0 {
			return nil, errors.Errorf("index %q refers to unknown column %q of table %q", spec.Name, col.HeapColumn, table.Name)
		}
		opclass, err := nbtree.LookupOpClass(col.OpClass, typ)
		if err != nil {
			return nil, errors.Wrapf(err, "index %q", spec.Name)
		}
		ic := nbtree.Column{
			Name:       col.Name,
			Type:       typ,
			Descending: col.Desc,
			NullsFirst: col.Desc,
			HeapAttr:   attr,
			OpClass:    opclass,
		}
		if col.Nulls != "" {
			ic.NullsFirst = strings.EqualFold(col.Nulls, "first")
		}
		if col.Expr != "" {
			if ic.Expr, err = nbtree.LookupExpr(col.Expr, attr); err != nil {
				return nil, errors.Wrapf(err, "index %q", spec.Name)
			}
		}
		desc.Columns = append(desc.Columns, ic)
	}
	return desc, desc.Validate()
}

// BuildTree lays out the index name over every row an index build sees in its table and
// records the row count in the catalog.
func (c *Catalog) BuildTree(ctx context.Context, name string, opts nbtree.BuildOptions) (*nbtree.Tree, error) {
	spec, err := c.IndexSpec(name)
	if err != nil {
		return nil, err
	}
	desc, err := c.buildDesc(spec)
	if err != nil {
		return nil, err
	}
	h, err := c.GetTable(spec.Table)
	if err != nil {
		return nil, err
	}
	var entries []nbtree.Entry
	err = h.Scan(ctx, nil, func(tid bufpage.TID, row []datum.Datum) error {
		values, err := desc.Values(row)
		if err != nil {
			return errors.Wrapf(err, "row %s", tid)
		}
		entries = append(entries, nbtree.Entry{Values: values, TID: tid})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not scan table %q", spec.Table)
	}
	tree, err := desc.Build(entries, opts)
	if err != nil {
		return nil, err
	}
	table, _ := c.tableSpec(spec.Table)
	table.RelTuples = int64(len(entries))
	h.SetEstimatedTuples(table.RelTuples)
	return tree, nil
}

// WriteIndex writes the pages of tree as the file of index name.
func (c *Catalog) WriteIndex(name string, tree *nbtree.Tree) error {
	spec, err := c.IndexSpec(name)
	if err != nil {
		return err
	}
	path := filepath.Join(c.basepath, spec.File)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	p, err := pager.New(path)
	if err != nil {
		return err
	}
	if err := tree.WriteTo(p); err != nil {
		_ = p.Close()
		return errors.Wrapf(err, "could not write index %q", name)
	}
	return p.Close()
}

// OpenIndex opens the file of index name read-only.
func (c *Catalog) OpenIndex(name string) (*nbtree.Index, error) {
	spec, err := c.IndexSpec(name)
	if err != nil {
		return nil, err
	}
	desc, err := c.buildDesc(spec)
	if err != nil {
		return nil, err
	}
	idx, err := nbtree.Open(filepath.Join(c.basepath, spec.File), desc)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open index %q", name)
	}
	idx.SetCheckXmin(spec.CheckXmin)
	return idx, nil
}
