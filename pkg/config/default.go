// Global verifier defaults.
package config

import (
	"github.com/c2h5oh/datasize"
	"github.com/ncw/directio"
)

// Name of the tool.
const ToolName = "btverify"

// Prompt printed by the inspector REPL.
const Prompt = ToolName + "> "

// BlockSize is the size of every relation page.
const BlockSize = directio.BlockSize

// The maximum number of pages that can be in a pager's buffer at once.
const MaxPagesInBuffer = 32

// DefaultWorkMem is the default memory budget for the heapallindexed Bloom filter.
const DefaultWorkMem = 64 * datasize.MB

// ToastIndexTarget is the varlena size above which tuple formation tries compression.
const ToastIndexTarget = BlockSize / 16

// Name of the catalog file inside a data directory.
const CatalogFileName = "catalog.yaml"

// Name of the default run history file.
const HistoryFileName = "btverify.history"

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
