package cluster

import (
	"encoding/json"
	"strings"

	"golang.org/x/exp/slices"
)

// BlockLevel is the set of operation classes a block restricts.
type BlockLevel uint8

const (
	// BlockLevelNone is used by actions exempt from a block check.
	BlockLevelNone BlockLevel = 0
	// BlockLevelRead blocks read operations.
	BlockLevelRead BlockLevel = 1
	// BlockLevelWrite blocks write operations.
	BlockLevelWrite BlockLevel = 2
	// BlockLevelMetadata blocks metadata reads and writes.
	BlockLevelMetadata BlockLevel = 4
	// BlockLevelAll blocks every operation class.
	BlockLevelAll = BlockLevelRead | BlockLevelWrite | BlockLevelMetadata
)

func (l BlockLevel) String() string {
	if l == BlockLevelNone {
		return "none"
	}
	var parts []string
	if l&BlockLevelRead != 0 {
		parts = append(parts, "read")
	}
	if l&BlockLevelWrite != 0 {
		parts = append(parts, "write")
	}
	if l&BlockLevelMetadata != 0 {
		parts = append(parts, "metadata")
	}
	return strings.Join(parts, "|")
}

// Block is an administrative restriction installed globally or on an index.
type Block struct {
	Description string     `json:"description"`
	ID          int        `json:"id"`
	Status      int        `json:"status"`
	Levels      BlockLevel `json:"levels"`
	Retryable   bool       `json:"retryable"`
}

// Restricts reports whether the block applies to any of the given levels.
func (b Block) Restricts(level BlockLevel) bool {
	return b.Levels&level != 0
}

// Blocks is the immutable set of global and per-index blocks of a cluster
// state. The With/Without methods return modified copies.
type Blocks struct {
	global  []Block
	indices map[string][]Block
}

// Global returns a copy of the global blocks.
func (b Blocks) Global() []Block {
	return slices.Clone(b.global)
}

// Index returns a copy of the blocks installed on index.
func (b Blocks) Index(index string) []Block {
	return slices.Clone(b.indices[index])
}

// Indices returns the names of indices carrying at least one block, sorted.
func (b Blocks) Indices() []string {
	names := make([]string, 0, len(b.indices))
	for name := range b.indices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GlobalBlocked returns the global blocks restricting level.
func (b Blocks) GlobalBlocked(level BlockLevel) []Block {
	return restricting(b.global, level)
}

// IndexBlocked returns the blocks on index restricting level.
func (b Blocks) IndexBlocked(index string, level BlockLevel) []Block {
	return restricting(b.indices[index], level)
}

// HasGlobalBlock reports whether a global block with the given id exists.
func (b Blocks) HasGlobalBlock(id int) bool {
	return containsID(b.global, id)
}

// HasIndexBlock reports whether index carries a block with the given id.
func (b Blocks) HasIndexBlock(index string, id int) bool {
	return containsID(b.indices[index], id)
}

// WithGlobal returns a copy with block added to the global scope. A block
// with the same id is replaced.
func (b Blocks) WithGlobal(block Block) Blocks {
	out := b.clone()
	out.global = upsert(out.global, block)
	return out
}

// WithIndex returns a copy with block added to index.
func (b Blocks) WithIndex(index string, block Block) Blocks {
	out := b.clone()
	out.indices[index] = upsert(out.indices[index], block)
	return out
}

// WithoutGlobal returns a copy without the global block id.
func (b Blocks) WithoutGlobal(id int) Blocks {
	out := b.clone()
	out.global = remove(out.global, id)
	return out
}

// WithoutIndex returns a copy without block id on index.
func (b Blocks) WithoutIndex(index string, id int) Blocks {
	out := b.clone()
	if rest := remove(out.indices[index], id); len(rest) > 0 {
		out.indices[index] = rest
	} else {
		delete(out.indices, index)
	}
	return out
}

func (b Blocks) clone() Blocks {
	out := Blocks{
		global:  slices.Clone(b.global),
		indices: make(map[string][]Block, len(b.indices)),
	}
	for name, blocks := range b.indices {
		out.indices[name] = slices.Clone(blocks)
	}
	return out
}

func restricting(blocks []Block, level BlockLevel) []Block {
	if level == BlockLevelNone {
		return nil
	}
	var out []Block
	for _, b := range blocks {
		if b.Restricts(level) {
			out = append(out, b)
		}
	}
	return out
}

func containsID(blocks []Block, id int) bool {
	return slices.IndexFunc(blocks, func(b Block) bool { return b.ID == id }) >= 0
}

func upsert(blocks []Block, block Block) []Block {
	if i := slices.IndexFunc(blocks, func(b Block) bool { return b.ID == block.ID }); i >= 0 {
		blocks[i] = block
		return blocks
	}
	return append(blocks, block)
}

func remove(blocks []Block, id int) []Block {
	return slices.DeleteFunc(blocks, func(b Block) bool { return b.ID == id })
}

// MarshalJSON renders the blocks for admin endpoints.
func (b Blocks) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Global  []Block            `json:"global"`
		Indices map[string][]Block `json:"indices"`
	}{Global: b.global, Indices: b.indices})
}
