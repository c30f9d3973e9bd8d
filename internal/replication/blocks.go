package replication

import "github.com/dreamware/replicator/internal/cluster"

// CheckBlocks returns a *BlockedError if state carries global blocks at
// globalLevel or blocks on index at indexLevel. BlockLevelNone skips the
// respective scope.
func CheckBlocks(state *cluster.State, globalLevel, indexLevel cluster.BlockLevel, index string) error {
	blocks := state.Blocks.GlobalBlocked(globalLevel)
	blocks = append(blocks, state.Blocks.IndexBlocked(index, indexLevel)...)
	if len(blocks) == 0 {
		return nil
	}
	return &BlockedError{Blocks: blocks}
}

func checkActionBlocks(state *cluster.State, action Action, index string) error {
	global, idx := action.BlockLevels()
	return CheckBlocks(state, global, idx, index)
}
