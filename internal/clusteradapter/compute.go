// Package clusteradapter is the single seam between gpuctl and the two
// external systems that actually hold GPU nodes and block storage
// (spec.md §4.2). Compute is a thin facade over k8s.io/client-go, the way
// the teacher repo's pod-exec helper (oracle/controllers/exec.go in the
// elcarro-oracle-operator example) wraps kubernetes.Interface rather than
// talking to the apiserver ad hoc from call sites; storage is the EC2
// analogue, grounded on openshift-hypershift's cmd/infra/aws/ec2.go
// facade style (typed wrapper functions, backoff-protected calls).
package clusteradapter

import (
	"bytes"
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// Node is the subset of node state the availability tracker needs.
type Node struct {
	Name          string
	GPUCapacity   int
	GPUAllocatable int
	CPUAllocatable int
	Ready         bool
	Unschedulable bool
}

// Pod is the subset of sandbox pod state the processor and sweeper need.
type Pod struct {
	Name      string
	Namespace string
	Node      string
	Phase     string
	Ready     bool
	// OOMKilled is true if any container in the pod was last terminated
	// with reason OOMKilled (spec.md §4.5 OOM detection).
	OOMKilled bool
	// RequestedGPUs is the sum of every container's nvidia.com/gpu
	// resource request, the actual per-pod GPU footprint spec.md §4.3
	// step 2 subtracts from a node's allocatable count. A pod's presence
	// alone (one sandbox per node) is not a valid proxy for this: a
	// smaller request must still leave the rest of the node reservable.
	RequestedGPUs int
}

// Compute is the GPU-node-and-sandbox-pod facade described in spec.md
// §4.2. A real cluster talks through *ClientsetCompute; tests use a fake
// satisfying this interface directly, with no envtest/clientset involved.
type Compute interface {
	ListNodes(ctx context.Context, gpuType string) ([]Node, error)
	ListPods(ctx context.Context, namespace string) ([]Pod, error)
	CreatePod(ctx context.Context, namespace string, spec SandboxSpec) (*Pod, error)
	DeletePod(ctx context.Context, namespace, name string) error
	CreateService(ctx context.Context, namespace, podName string, sshPort int32) (nodePort int32, err error)
	DeleteService(ctx context.Context, namespace, name string) error
	WriteFileInPod(ctx context.Context, namespace, podName, containerName, path string, content []byte) error
	Exec(ctx context.Context, namespace, podName, containerName string, cmd []string) (stdout, stderr string, err error)
}

// SandboxSpec describes the pod a reservation's allocate step creates.
type SandboxSpec struct {
	Name          string
	GPUType       string
	GPUCount      int
	Nodes         []string
	DockerImage   string
	Environment   map[string]string
	CPUSlots      int
	NoPersistentDisk bool
	VolumeID      *string
}

// ClientsetCompute implements Compute against a real cluster.
type ClientsetCompute struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	gpuResourceName corev1.ResourceName
}

// NewClientsetCompute wraps an already-constructed clientset/rest.Config
// pair (built by cmd/gpuctl from kubeconfig or in-cluster config).
func NewClientsetCompute(clientset kubernetes.Interface, restConfig *rest.Config) *ClientsetCompute {
	return &ClientsetCompute{clientset: clientset, restConfig: restConfig, gpuResourceName: "nvidia.com/gpu"}
}

func (c *ClientsetCompute) ListNodes(ctx context.Context, gpuType string) ([]Node, error) {
	list, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("gpu-type=%s", gpuType),
	})
	if err != nil {
		return nil, fmt.Errorf("listing nodes for gpu type %s: %w", gpuType, err)
	}

	out := make([]Node, 0, len(list.Items))
	for _, n := range list.Items {
		cap := n.Status.Capacity[c.gpuResourceName]
		alloc := n.Status.Allocatable[c.gpuResourceName]
		cpuAlloc := n.Status.Allocatable[corev1.ResourceCPU]

		ready := false
		for _, cond := range n.Status.Conditions {
			if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
				ready = true
			}
		}

		out = append(out, Node{
			Name:           n.Name,
			GPUCapacity:    int(cap.Value()),
			GPUAllocatable: int(alloc.Value()),
			CPUAllocatable: int(cpuAlloc.Value()),
			Ready:          ready,
			Unschedulable:  n.Spec.Unschedulable,
		})
	}
	return out, nil
}

func (c *ClientsetCompute) ListPods(ctx context.Context, namespace string) ([]Pod, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "managed-by=gpuctl",
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods in namespace %s: %w", namespace, err)
	}

	out := make([]Pod, 0, len(list.Items))
	for _, p := range list.Items {
		ready := false
		for _, cond := range p.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				ready = true
			}
		}
		oom := false
		for _, cs := range p.Status.ContainerStatuses {
			if cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.Reason == "OOMKilled" {
				oom = true
			}
		}
		requestedGPUs := 0
		for _, container := range p.Spec.Containers {
			if q, ok := container.Resources.Requests[c.gpuResourceName]; ok {
				requestedGPUs += int(q.Value())
			}
		}
		out = append(out, Pod{
			Name:          p.Name,
			Namespace:     p.Namespace,
			Node:          p.Spec.NodeName,
			Phase:         string(p.Status.Phase),
			Ready:         ready,
			OOMKilled:     oom,
			RequestedGPUs: requestedGPUs,
		})
	}
	return out, nil
}

func (c *ClientsetCompute) CreatePod(ctx context.Context, namespace string, spec SandboxSpec) (*Pod, error) {
	env := make([]corev1.EnvVar, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	quantity := fmt.Sprintf("%d", spec.GPUCount)
	podSpec := corev1.PodSpec{
		NodeSelector: map[string]string{"gpu-type": spec.GPUType},
		Containers: []corev1.Container{
			{
				Name:  "sandbox",
				Image: spec.DockerImage,
				Env:   env,
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						c.gpuResourceName: resourceQuantity(quantity),
					},
					Requests: corev1.ResourceList{
						c.gpuResourceName: resourceQuantity(quantity),
					},
				},
			},
		},
	}
	if len(spec.Nodes) == 1 {
		podSpec.NodeSelector["kubernetes.io/hostname"] = spec.Nodes[0]
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels:    map[string]string{"managed-by": "gpuctl"},
		},
		Spec: podSpec,
	}

	created, err := c.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating sandbox pod %s: %w", spec.Name, err)
	}
	return &Pod{Name: created.Name, Namespace: created.Namespace, Phase: string(created.Status.Phase)}, nil
}

func (c *ClientsetCompute) DeletePod(ctx context.Context, namespace, name string) error {
	err := c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting sandbox pod %s: %w", name, err)
	}
	return nil
}

func (c *ClientsetCompute) CreateService(ctx context.Context, namespace, podName string, sshPort int32) (int32, error) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName + "-ssh",
			Namespace: namespace,
			Labels:    map[string]string{"managed-by": "gpuctl"},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{"managed-by": "gpuctl"},
			Ports: []corev1.ServicePort{
				{Name: "ssh", Port: sshPort, TargetPort: intstrFromInt(22)},
			},
		},
	}
	created, err := c.clientset.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return 0, fmt.Errorf("creating ssh service for pod %s: %w", podName, err)
	}
	if len(created.Spec.Ports) == 0 {
		return 0, fmt.Errorf("created service %s has no ports", created.Name)
	}
	return created.Spec.Ports[0].NodePort, nil
}

func (c *ClientsetCompute) DeleteService(ctx context.Context, namespace, name string) error {
	err := c.clientset.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting ssh service %s: %w", name, err)
	}
	return nil
}

// WriteFileInPod execs `sh -c 'cat > path'` with content on stdin via
// remotecommand, mirroring the exec-based interaction pattern the
// elcarro-oracle-operator example uses for in-pod commands (see
// oracle/controllers/exec.go).
func (c *ClientsetCompute) WriteFileInPod(ctx context.Context, namespace, podName, containerName, path string, content []byte) error {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").Name(podName).Namespace(namespace).SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: containerName,
		Command:   []string{"sh", "-c", fmt.Sprintf("cat > %s", path)},
		Stdin:     true,
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(c.restConfig, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("initializing exec stream for pod %s: %w", podName, err)
	}

	var stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  bytes.NewReader(content),
		Stdout: &bytes.Buffer{},
		Stderr: &stderr,
	}); err != nil {
		return fmt.Errorf("writing file %s in pod %s: %w (stderr: %s)", path, podName, err, stderr.String())
	}
	return nil
}

func (c *ClientsetCompute) Exec(ctx context.Context, namespace, podName, containerName string, cmd []string) (string, string, error) {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").Name(podName).Namespace(namespace).SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: containerName,
		Command:   cmd,
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(c.restConfig, "POST", req.URL())
	if err != nil {
		return "", "", fmt.Errorf("initializing exec stream for pod %s: %w", podName, err)
	}

	var stdout, stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("executing command in pod %s: %w", podName, err)
	}
	return stdout.String(), stderr.String(), nil
}
