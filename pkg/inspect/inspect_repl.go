package inspect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"btverify/pkg/bufpage"
	"btverify/pkg/nbtree"
	"btverify/pkg/repl"
	"btverify/pkg/verify"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Creates the inspector REPL: the relation browsing commands plus the check commands.
func InspectRepl(r *Runner, defaults verify.Options) (*repl.REPL, error) {
	return repl.CombineRepls([]*repl.REPL{BrowseRepl(r), CheckRepl(r, defaults)})
}

// Creates a REPL that prints catalog entries and index pages.
func BrowseRepl(r *Runner) *repl.REPL {
	rp := repl.NewRepl()

	rp.AddCommand("tables", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleTables(r, payload)
	}, "List the tables and their indexes. usage: tables")

	rp.AddCommand("meta", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleMeta(r, payload)
	}, "Print the metapage of an index. usage: meta <index>")

	rp.AddCommand("page", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePage(r, payload)
	}, "Print the header and trailer of an index page. usage: page <index> <block>")

	rp.AddCommand("items", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleItems(r, payload)
	}, "Print the items of an index page. usage: items <index> <block>")

	return rp
}

// sessions keeps the check options of every inspector session.
type sessions struct {
	defaults verify.Options
	opts     map[uuid.UUID]verify.Options
	mtx      sync.Mutex
}

func sessionOf(replConfig *repl.REPLConfig) uuid.UUID {
	if replConfig == nil {
		return uuid.Nil
	}
	return replConfig.GetSession()
}

func (s *sessions) get(id uuid.UUID) verify.Options {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if opts, ok := s.opts[id]; ok {
		return opts
	}
	return s.defaults
}

func (s *sessions) set(id uuid.UUID, opts verify.Options) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.opts[id] = opts
}

// Creates a REPL that runs checks. Every session starts from defaults and changes its own
// options with set.
func CheckRepl(r *Runner, defaults verify.Options) *repl.REPL {
	rp := repl.NewRepl()
	s := &sessions{defaults: defaults, opts: make(map[uuid.UUID]verify.Options)}

	rp.AddCommand("check", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleCheck(r, s.get(sessionOf(replConfig)), payload)
	}, "Verify an index. usage: check <index> [readonly] [heapallindexed] [rootdescend] [checkunique] [checksums] [all]")

	rp.AddCommand("set", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		id := sessionOf(replConfig)
		opts, err := HandleSet(s.get(id), payload)
		if err != nil {
			return "", err
		}
		s.set(id, opts)
		return "checks: " + OptionString(opts), nil
	}, "Turn a check on or off for the rest of the session. usage: set <option> on|off")

	rp.AddCommand("history", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleHistory(r, payload)
	}, "Print the most recent checks. usage: history [count] [index]")

	return rp
}

// Handle set.
func HandleSet(opts verify.Options, payload string) (verify.Options, error) {
	fields := strings.Fields(payload)
	if len(fields) != 3 {
		return opts, errors.New("usage: set <option> on|off")
	}
	var on bool
	switch strings.ToLower(fields[2]) {
	case "on", "true":
		on = true
	case "off", "false":
	default:
		return opts, errors.New("usage: set <option> on|off")
	}
	if on {
		return ParseOptions(opts, fields[1:2])
	}
	cleared, err := ParseOptions(verify.Options{}, fields[1:2])
	if err != nil {
		return opts, err
	}
	opts.Readonly = opts.Readonly && !cleared.Readonly
	opts.HeapAllIndexed = opts.HeapAllIndexed && !cleared.HeapAllIndexed
	opts.RootDescend = opts.RootDescend && !cleared.RootDescend
	opts.CheckUnique = opts.CheckUnique && !cleared.CheckUnique
	opts.VerifyChecksums = opts.VerifyChecksums && !cleared.VerifyChecksums
	return opts, nil
}

// Handle tables.
func HandleTables(r *Runner, payload string) (string, error) {
	if len(strings.Fields(payload)) != 1 {
		return "", errors.New("usage: tables")
	}
	var sb strings.Builder
	for _, table := range r.Catalog.Tables() {
		sb.WriteString(table)
		sb.WriteString("\n")
		for _, name := range r.Catalog.Indexes() {
			spec, err := r.Catalog.IndexSpec(name)
			if err != nil || spec.Table != table {
				continue
			}
			cols := make([]string, len(spec.Columns))
			for i, c := range spec.Columns {
				cols[i] = c.Name
			}
			kind := "btree"
			if spec.Unique {
				kind = "unique btree"
			}
			fmt.Fprintf(&sb, "  %s %s (%s)\n", name, kind, strings.Join(cols, ", "))
		}
	}
	return sb.String(), nil
}

// openPage reads one block of an index named in the payload.
func openPage(r *Runner, payload, usage string) (*nbtree.Index, bufpage.Page, uint32, error) {
	fields := strings.Fields(payload)
	if len(fields) != 3 {
		return nil, nil, 0, errors.Errorf("usage: %s", usage)
	}
	blk, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, nil, 0, errors.Errorf("usage: %s", usage)
	}
	idx, err := r.Catalog.OpenIndex(fields[1])
	if err != nil {
		return nil, nil, 0, err
	}
	if uint32(blk) >= idx.NumBlocks() {
		_ = idx.Close()
		return nil, nil, 0, errors.Errorf("block %d is beyond the end of index %q (%d blocks)", blk, fields[1], idx.NumBlocks())
	}
	page, err := idx.ReadPage(context.Background(), uint32(blk))
	if err != nil {
		_ = idx.Close()
		return nil, nil, 0, err
	}
	return idx, page, uint32(blk), nil
}

// Handle meta.
func HandleMeta(r *Runner, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", errors.New("usage: meta <index>")
	}
	idx, err := r.Catalog.OpenIndex(fields[1])
	if err != nil {
		return "", err
	}
	defer idx.Close()
	m, err := idx.Meta(context.Background())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("magic=%#x version=%d root=%d level=%d fastroot=%d fastlevel=%d allequalimage=%t blocks=%d",
		m.Magic, m.Version, m.Root, m.Level, m.FastRoot, m.FastLevel, m.AllEqualImage, idx.NumBlocks()), nil
}

var flagNames = []struct {
	flag uint16
	name string
}{
	{nbtree.FlagLeaf, "leaf"},
	{nbtree.FlagRoot, "root"},
	{nbtree.FlagDeleted, "deleted"},
	{nbtree.FlagMeta, "meta"},
	{nbtree.FlagHalfDead, "half_dead"},
	{nbtree.FlagSplitEnd, "split_end"},
	{nbtree.FlagHasGarbage, "has_garbage"},
	{nbtree.FlagIncompleteSplit, "incomplete_split"},
	{nbtree.FlagHasFullXid, "has_fullxid"},
}

func formatFlags(flags uint16) string {
	var names []string
	for _, f := range flagNames {
		if flags&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Handle page.
func HandlePage(r *Runner, payload string) (string, error) {
	idx, page, blk, err := openPage(r, payload, "page <index> <block>")
	if err != nil {
		return "", err
	}
	defer idx.Close()
	if blk == nbtree.MetaBlock {
		return "block 0 is the metapage, use meta", nil
	}
	o := nbtree.GetOpaque(page)
	return fmt.Sprintf("block=%d lsn=%s checksum=%d items=%d free=%d level=%d prev=%d next=%d flags=%s",
		blk, page.LSN(), page.Checksum(), page.MaxOffset(), page.FreeSpace(), o.Level, o.Prev, o.Next, formatFlags(o.Flags)), nil
}

// Handle items.
func HandleItems(r *Runner, payload string) (string, error) {
	idx, page, blk, err := openPage(r, payload, "items <index> <block>")
	if err != nil {
		return "", err
	}
	defer idx.Close()
	if blk == nbtree.MetaBlock {
		return "", errors.New("block 0 is the metapage")
	}
	desc := idx.Desc()
	o := nbtree.GetOpaque(page)
	var sb strings.Builder
	for off := bufpage.FirstOffsetNumber; off <= page.MaxOffset(); off++ {
		id := page.ItemID(off)
		fmt.Fprintf(&sb, "%3d lp_len=%d", off, id.Len)
		if id.IsDead() {
			sb.WriteString(" dead")
		}
		t, ok := nbtree.PageTuple(page, off)
		if !ok {
			sb.WriteString(" no tuple\n")
			continue
		}
		switch {
		case !o.IsRightmost() && off == nbtree.HighKeyOffset:
			fmt.Fprintf(&sb, " high key %s", desc.Describe(t))
		case o.IsNegativeInfinity(off):
			fmt.Fprintf(&sb, " minus infinity downlink=%d", t.Downlink())
		case !o.IsLeaf():
			fmt.Fprintf(&sb, " pivot downlink=%d %s", t.Downlink(), desc.Describe(t))
		case t.IsPosting():
			first, _ := t.HeapTID()
			last, _ := t.MaxHeapTID()
			fmt.Fprintf(&sb, " posting n=%d tids=%s..%s %s", t.NPosting(), first, last, desc.Describe(t))
		default:
			tid, _ := t.HeapTID()
			fmt.Fprintf(&sb, " tid=%s %s", tid, desc.Describe(t))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// Handle check.
func HandleCheck(r *Runner, defaults verify.Options, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) < 2 {
		return "", errors.New("usage: check <index> [readonly] [heapallindexed] [rootdescend] [checkunique] [checksums] [all]")
	}
	opts, err := ParseOptions(defaults, fields[2:])
	if err != nil {
		return "", err
	}
	res, err := r.Run(context.Background(), fields[1], opts)
	if err != nil {
		return FormatError(err), nil
	}
	return FormatResult(fields[1], res), nil
}

// Handle history.
func HandleHistory(r *Runner, payload string) (string, error) {
	if r.History == nil {
		return "", errors.New("no history file configured")
	}
	fields := strings.Fields(payload)
	n, index := 10, ""
	if len(fields) > 3 {
		return "", errors.New("usage: history [count] [index]")
	}
	if len(fields) > 1 {
		var err error
		if n, err = strconv.Atoi(fields[1]); err != nil {
			return "", errors.New("usage: history [count] [index]")
		}
	}
	if len(fields) > 2 {
		index = fields[2]
	}
	records, err := r.History.Recent(n, index)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&sb, "%s %s %s [%s] %s", rec.Time.Format("2006-01-02T15:04:05Z"), rec.RunID, rec.Index, rec.Options, rec.Outcome)
		if rec.Block != nil && *rec.Block != nbtree.InvalidBlock {
			fmt.Fprintf(&sb, " block=%d", *rec.Block)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
