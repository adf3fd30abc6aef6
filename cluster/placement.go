package cluster

import (
	"cmp"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// Place picks the n least loaded nodes from snapshot. Nodes are ordered by
// load, then by id, and the first n are returned in that order.
func Place(snapshot []NodeLoad, n int) ([]NodeID, error) {
	if n <= 0 {
		return nil, errors.Newf("replication factor must be positive, got %d", n)
	}
	if len(snapshot) < n {
		return nil, errors.Wrapf(ErrInsufficientNodes, "need %d, have %d", n, len(snapshot))
	}

	sorted := slices.Clone(snapshot)
	slices.SortFunc(sorted, func(a, b NodeLoad) int {
		if c := cmp.Compare(a.Load, b.Load); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	out := make([]NodeID, n)
	for i := range out {
		out[i] = sorted[i].ID
	}
	return out, nil
}

func sortNodeIDs(ids []NodeID) {
	slices.Sort(ids)
}

func sortNodeInfos(infos []NodeInfo) {
	slices.SortFunc(infos, func(a, b NodeInfo) int {
		return cmp.Compare(a.ID, b.ID)
	})
}
