package processor

import (
	"context"
	"testing"

	"github.com/wisbric/nightowl/internal/clusteradapter"
	"github.com/wisbric/nightowl/internal/store"
)

// fakeCompute satisfies clusteradapter.Compute with canned node/pod state,
// the way the package doc on that interface expects tests to (no envtest,
// no clientset).
type fakeCompute struct {
	nodes []clusteradapter.Node
	pods  []clusteradapter.Pod
}

func (f *fakeCompute) ListNodes(ctx context.Context, gpuType string) ([]clusteradapter.Node, error) {
	return f.nodes, nil
}
func (f *fakeCompute) ListPods(ctx context.Context, namespace string) ([]clusteradapter.Pod, error) {
	return f.pods, nil
}
func (f *fakeCompute) CreatePod(ctx context.Context, namespace string, spec clusteradapter.SandboxSpec) (*clusteradapter.Pod, error) {
	return nil, nil
}
func (f *fakeCompute) DeletePod(ctx context.Context, namespace, name string) error { return nil }
func (f *fakeCompute) CreateService(ctx context.Context, namespace, podName string, sshPort int32) (int32, error) {
	return 0, nil
}
func (f *fakeCompute) DeleteService(ctx context.Context, namespace, name string) error { return nil }
func (f *fakeCompute) WriteFileInPod(ctx context.Context, namespace, podName, containerName, path string, content []byte) error {
	return nil
}
func (f *fakeCompute) Exec(ctx context.Context, namespace, podName, containerName string, cmd []string) (string, string, error) {
	return "", "", nil
}

func TestComputeExtendedDuration(t *testing.T) {
	tests := []struct {
		name          string
		currentHours  float64
		maxHours      float64
		wantDuration  float64
		wantOK        bool
	}{
		{name: "first extension granted", currentHours: 4, maxHours: 48, wantDuration: 28, wantOK: true},
		{name: "extension capped at total", currentHours: 40, maxHours: 48, wantDuration: 48, wantOK: true},
		{name: "already at cap rejected", currentHours: 48, maxHours: 48, wantOK: false},
		{name: "zero config cap falls back to 48-hour ceiling", currentHours: 4, maxHours: 0, wantDuration: 28, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := computeExtendedDuration(tt.currentHours, tt.maxHours)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.wantDuration {
				t.Errorf("duration = %v, want %v", got, tt.wantDuration)
			}
		})
	}
}

func TestSanitizedEnvDropsDenylisted(t *testing.T) {
	in := map[string]string{
		"AWS_SECRET_ACCESS_KEY": "secret",
		"HOME":                  "/home/user",
		"KUBECONFIG":            "/etc/kube",
	}
	out := sanitizedEnv(in)

	if _, present := out["AWS_SECRET_ACCESS_KEY"]; present {
		t.Error("expected AWS_SECRET_ACCESS_KEY to be filtered")
	}
	if _, present := out["KUBECONFIG"]; present {
		t.Error("expected KUBECONFIG to be filtered")
	}
	if out["HOME"] != "/home/user" {
		t.Error("expected HOME to pass through unchanged")
	}
}

// TestLiveNodeStateSubtractsRequestedGPUsNotPodCount is spec.md §8 scenario
// 6: a node at 3/4 GPUs used by a single pod must report 1 free, not 0 from
// treating that one pod's presence as fully consuming the node.
func TestLiveNodeStateSubtractsRequestedGPUsNotPodCount(t *testing.T) {
	p := &Processor{
		compute: &fakeCompute{
			nodes: []clusteradapter.Node{
				{Name: "n1", GPUCapacity: 4, GPUAllocatable: 4, Ready: true},
				{Name: "n2", GPUCapacity: 4, GPUAllocatable: 4, Ready: true},
			},
			pods: []clusteradapter.Pod{
				{Name: "sandbox-1", Node: "n2", RequestedGPUs: 3},
			},
		},
		cfg: Config{KubeNamespace: "gpuctl"},
	}

	_, freeByNode, err := p.liveNodeState(context.Background(), &store.GPUType{Tag: "t4", GPUsPerNode: 4})
	if err != nil {
		t.Fatalf("liveNodeState() error = %v", err)
	}
	if freeByNode["n1"] != 4 {
		t.Errorf("n1 free = %d, want 4", freeByNode["n1"])
	}
	if freeByNode["n2"] != 1 {
		t.Errorf("n2 free = %d, want 1 (4 allocatable - 3 requested)", freeByNode["n2"])
	}
}

func TestValidGPUCounts(t *testing.T) {
	tests := []struct {
		count int
		valid bool
	}{
		{0, true}, {1, true}, {2, true}, {4, true}, {8, true}, {16, true},
		{3, false}, {5, false}, {32, false},
	}

	for _, tt := range tests {
		got := store.ValidGPUCounts[tt.count]
		if got != tt.valid {
			t.Errorf("count %d: valid = %v, want %v", tt.count, got, tt.valid)
		}
	}
}
