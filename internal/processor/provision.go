package processor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/clusteradapter"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
)

// provisionSandbox implements spec.md §4.4 step 5/6: build and create the
// pod and service, record references, and transition preparing → active.
// Any error here rolls the reservation to failed with best-effort
// cleanup, per step 6.
func (p *Processor) provisionSandbox(ctx context.Context, id uuid.UUID, sandboxName string, nodes []string, r *store.Reservation, volumeID *string) error {
	image := p.cfg.SandboxBaseImage
	if r.RequestedDockerImage != nil && *r.RequestedDockerImage != "" {
		image = *r.RequestedDockerImage
	}

	spec := clusteradapter.SandboxSpec{
		Name:             sandboxName,
		GPUType:          r.GPUType,
		GPUCount:         r.GPUCount,
		Nodes:            nodes,
		DockerImage:      image,
		Environment:      sanitizedEnv(r.Environment),
		NoPersistentDisk: r.NoPersistentDisk,
		VolumeID:         volumeID,
	}

	pod, err := p.compute.CreatePod(ctx, p.cfg.KubeNamespace, spec)
	if err != nil {
		return p.rollbackProvision(ctx, id, r, fmt.Sprintf("sandbox provisioning failed: %v", err), "", "")
	}

	sshPort := int32(22000 + rand.Intn(2000))
	nodePort, err := p.compute.CreateService(ctx, p.cfg.KubeNamespace, pod.Name, sshPort)
	if err != nil {
		return p.rollbackProvision(ctx, id, r, fmt.Sprintf("ssh service provisioning failed: %v", err), pod.Name, "")
	}

	if err := injectSSHKeys(ctx, p.compute, p.cfg.KubeNamespace, pod.Name, r); err != nil {
		p.logger.Warn("injecting ssh keys", "reservation_id", id, "error", err)
	}

	launchedAt := time.Now().UTC()
	expiresAt := launchedAt.Add(time.Duration(r.DurationHours * float64(time.Hour)))
	sshHost := fmt.Sprintf("%s.gpuctl.internal", pod.Name)

	if err := p.store.Activate(ctx, p.store.Pool(), id, sshHost, nodePort, launchedAt, expiresAt); err != nil {
		return p.rollbackProvision(ctx, id, r, fmt.Sprintf("activation failed: %v", err), pod.Name, pod.Name+"-ssh")
	}

	telemetry.ReservationsAdmittedTotal.WithLabelValues(r.GPUType).Inc()
	return nil
}

// rollbackProvision implements spec.md §4.4 step 6: roll to failed, clean
// up best-effort, clear disk in-use, ack (return nil so the caller acks
// rather than redelivering a dead request).
func (p *Processor) rollbackProvision(ctx context.Context, id uuid.UUID, r *store.Reservation, reason, podName, serviceName string) error {
	if podName != "" {
		if err := p.compute.DeletePod(ctx, p.cfg.KubeNamespace, podName); err != nil {
			p.logger.Warn("best-effort pod cleanup after provisioning failure", "reservation_id", id, "error", err)
		}
	}
	if serviceName != "" {
		if err := p.compute.DeleteService(ctx, p.cfg.KubeNamespace, serviceName); err != nil {
			p.logger.Warn("best-effort service cleanup after provisioning failure", "reservation_id", id, "error", err)
		}
	}
	if r.RequestedDiskName != nil && !r.NoPersistentDisk {
		if disk, err := p.store.GetDiskByName(ctx, p.store.Pool(), r.User, *r.RequestedDiskName); err == nil {
			if err := p.store.MarkAvailable(ctx, p.store.Pool(), disk.ID); err != nil {
				p.logger.Warn("clearing disk in-use after provisioning failure", "reservation_id", id, "error", err)
			}
		}
	}
	if err := p.store.Fail(ctx, p.store.Pool(), id, reason); err != nil {
		return fmt.Errorf("failing reservation %s: %w", id, err)
	}
	telemetry.ReservationsFailedTotal.WithLabelValues("provisioning").Inc()
	return nil
}

// clusteradapterSandboxSpec rebuilds a SandboxSpec for an already-active
// reservation, used by rebuild-image to recreate the pod with a new
// image, reusing the reservation's recorded node list and volume id.
func clusteradapterSandboxSpec(r *store.Reservation, image string, cfg Config) clusteradapter.SandboxSpec {
	return clusteradapter.SandboxSpec{
		Name:             *r.SandboxName,
		GPUType:          r.GPUType,
		GPUCount:         r.GPUCount,
		Nodes:            r.Nodes,
		DockerImage:      image,
		Environment:      sanitizedEnv(r.Environment),
		NoPersistentDisk: r.NoPersistentDisk,
		VolumeID:         r.VolumeID,
	}
}

// injectSSHKeys writes the owner's SSH public keys (the
// ssh_authorized_keys environment entry) into the sandbox's
// authorized_keys file via the cluster adapter's write_file_in_pod
// (spec.md §4.4 step 5), followed by one "# collaborator: <name>" comment
// line per collaborator. Collaborators' public keys are not stored on the
// reservation and are not written here.
func injectSSHKeys(ctx context.Context, compute clusteradapter.Compute, namespace, podName string, r *store.Reservation) error {
	keys := r.Environment["ssh_authorized_keys"]
	for _, collaborator := range r.Collaborators {
		keys += "\n# collaborator: " + collaborator
	}
	if keys == "" {
		return nil
	}
	return compute.WriteFileInPod(ctx, namespace, podName, "sandbox", "/home/user/.ssh/authorized_keys", []byte(keys))
}
