package availability

import (
	"testing"

	"github.com/wisbric/nightowl/internal/clusteradapter"
	"github.com/wisbric/nightowl/internal/store"
)

func TestMaxReservableFor(t *testing.T) {
	tests := []struct {
		name       string
		gt         *store.GPUType
		ready      []clusteradapter.Node
		freeByNode map[string]int
		fullNodes  int
		want       int
	}{
		{
			name: "single-node type best node wins",
			gt:   &store.GPUType{Tag: "t4", GPUsPerNode: 4},
			ready: []clusteradapter.Node{
				{Name: "n1"}, {Name: "n2"},
			},
			freeByNode: map[string]int{"n1": 1, "n2": 3},
			want:       3,
		},
		{
			name: "multi-node capable capped at 4 nodes",
			gt:   &store.GPUType{Tag: "a100", GPUsPerNode: 8, MultiNodeCapable: true},
			ready: []clusteradapter.Node{
				{Name: "n1"}, {Name: "n2"}, {Name: "n3"}, {Name: "n4"}, {Name: "n5"},
			},
			fullNodes: 5,
			want:      32, // min(5,4) * 8
		},
		{
			name:      "cpu-only type with ready nodes",
			gt:        &store.GPUType{Tag: "cpu", GPUsPerNode: 0},
			ready:     []clusteradapter.Node{{Name: "n1"}},
			fullNodes: 0,
			want:      1,
		},
		{
			name:  "cpu-only type with no ready nodes",
			gt:    &store.GPUType{Tag: "cpu", GPUsPerNode: 0},
			ready: nil,
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := maxReservableFor(tt.gt, tt.ready, tt.freeByNode, 4, 3, tt.fullNodes)
			if got != tt.want {
				t.Errorf("maxReservableFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSelectNodesSingleNodeTieBreak(t *testing.T) {
	ready := []clusteradapter.Node{{Name: "b"}, {Name: "a"}, {Name: "c"}}
	free := map[string]int{"a": 2, "b": 2, "c": 1}

	got := SelectNodes(ready, free, 2, 4, 4)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected lowest-name tie-break to pick node a, got %v", got)
	}
}

func TestSelectNodesMultiNodeInsufficientCapacity(t *testing.T) {
	ready := []clusteradapter.Node{{Name: "a"}, {Name: "b"}}
	free := map[string]int{"a": 8, "b": 4}

	got := SelectNodes(ready, free, 24, 8, 4)
	if got != nil {
		t.Fatalf("expected nil when not enough full nodes available, got %v", got)
	}
}

func TestSelectNodesMultiNodeSufficientCapacity(t *testing.T) {
	ready := []clusteradapter.Node{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	free := map[string]int{"a": 8, "b": 8, "c": 8}

	got := SelectNodes(ready, free, 16, 8, 4)
	if len(got) != 2 {
		t.Fatalf("expected 2 full nodes selected, got %v", got)
	}
}

// TestAggregateGPUStatePartiallyUsedNode is spec.md §8 scenario 6: 2 T4
// nodes at 4 GPUs each, one fully free and one with a single 3-GPU pod
// already placed, must report available=5 and max_reservable=4 (the free
// node), not available=4 from treating the occupied node as fully
// consumed by pod count alone.
func TestAggregateGPUStatePartiallyUsedNode(t *testing.T) {
	gt := &store.GPUType{Tag: "t4", GPUsPerNode: 4}
	nodes := []clusteradapter.Node{
		{Name: "n1", GPUCapacity: 4, GPUAllocatable: 4, Ready: true},
		{Name: "n2", GPUCapacity: 4, GPUAllocatable: 4, Ready: true},
	}
	pods := []clusteradapter.Pod{
		{Name: "sandbox-1", Node: "n2", RequestedGPUs: 3},
	}

	snap := aggregateGPUState(gt, nodes, pods, 4, 3)
	if snap.total != 8 {
		t.Errorf("total = %d, want 8", snap.total)
	}
	if snap.available != 5 {
		t.Errorf("available = %d, want 5", snap.available)
	}
	if snap.fullNodes != 1 {
		t.Errorf("fullNodes = %d, want 1", snap.fullNodes)
	}
	if snap.maxReservable != 4 {
		t.Errorf("maxReservable = %d, want 4", snap.maxReservable)
	}
}
