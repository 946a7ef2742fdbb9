package clusteradapter

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cenkalti/backoff/v5"
)

// Volume is the subset of EBS volume state the availability tracker's
// disk reconciliation (reconcile.go) needs.
type Volume struct {
	VolumeID string
	SizeGB   int
	AZ       string
	State    string
	Tags     map[string]string
}

// Snapshot is the subset of EBS snapshot state the sweeper's retention
// housekeeping needs.
type Snapshot struct {
	SnapshotID string
	VolumeID   string
	State      string
	StartedAt  time.Time
}

// Storage is the persistent-disk facade described in spec.md §4.2,
// grounded on openshift-hypershift's cmd/infra/aws/ec2.go wrapping style:
// one function per EC2 operation, errors wrapped with the operation and
// resource id, retries applied at the call site rather than buried in the
// SDK client.
type Storage interface {
	CreateVolume(ctx context.Context, az string, sizeGB int, tags map[string]string) (*Volume, error)
	DescribeVolume(ctx context.Context, volumeID string) (*Volume, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	ListVolumes(ctx context.Context, tagKey, tagValue string) ([]Volume, error)
	CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, volumeID string) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// EC2Storage implements Storage against a real AWS account.
type EC2Storage struct {
	client *ec2.Client
}

// NewEC2Storage wraps an already-constructed ec2.Client (built by
// cmd/gpuctl from the default AWS config chain).
func NewEC2Storage(client *ec2.Client) *EC2Storage {
	return &EC2Storage{client: client}
}

// withRetry wraps a transient-error-prone EC2 call with exponential
// backoff and jitter, promoting cenkalti/backoff/v5 from an indirect tool
// dependency of the teacher's stack to a direct one used here for exactly
// this purpose.
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx, fn,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
}

func (s *EC2Storage) CreateVolume(ctx context.Context, az string, sizeGB int, tags map[string]string) (*Volume, error) {
	out, err := withRetry(ctx, func() (*ec2.CreateVolumeOutput, error) {
		return s.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
			AvailabilityZone: aws.String(az),
			Size:             aws.Int32(int32(sizeGB)),
			VolumeType:       types.VolumeTypeGp3,
			TagSpecifications: []types.TagSpecification{
				{ResourceType: types.ResourceTypeVolume, Tags: toEC2Tags(tags)},
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("creating ebs volume in %s: %w", az, err)
	}
	return &Volume{
		VolumeID: aws.ToString(out.VolumeId),
		SizeGB:   int(aws.ToInt32(out.Size)),
		AZ:       aws.ToString(out.AvailabilityZone),
		State:    string(out.State),
		Tags:     tags,
	}, nil
}

func (s *EC2Storage) DescribeVolume(ctx context.Context, volumeID string) (*Volume, error) {
	out, err := withRetry(ctx, func() (*ec2.DescribeVolumesOutput, error) {
		return s.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
	})
	if err != nil {
		return nil, fmt.Errorf("describing ebs volume %s: %w", volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return nil, fmt.Errorf("ebs volume %s not found", volumeID)
	}
	v := out.Volumes[0]
	return &Volume{
		VolumeID: aws.ToString(v.VolumeId),
		SizeGB:   int(aws.ToInt32(v.Size)),
		AZ:       aws.ToString(v.AvailabilityZone),
		State:    string(v.State),
		Tags:     fromEC2Tags(v.Tags),
	}, nil
}

func (s *EC2Storage) DeleteVolume(ctx context.Context, volumeID string) error {
	_, err := withRetry(ctx, func() (*ec2.DeleteVolumeOutput, error) {
		return s.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
	})
	if err != nil {
		return fmt.Errorf("deleting ebs volume %s: %w", volumeID, err)
	}
	return nil
}

func (s *EC2Storage) ListVolumes(ctx context.Context, tagKey, tagValue string) ([]Volume, error) {
	out, err := withRetry(ctx, func() (*ec2.DescribeVolumesOutput, error) {
		return s.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			Filters: []types.Filter{{Name: aws.String("tag:" + tagKey), Values: []string{tagValue}}},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing ebs volumes tagged %s=%s: %w", tagKey, tagValue, err)
	}
	volumes := make([]Volume, 0, len(out.Volumes))
	for _, v := range out.Volumes {
		volumes = append(volumes, Volume{
			VolumeID: aws.ToString(v.VolumeId),
			SizeGB:   int(aws.ToInt32(v.Size)),
			AZ:       aws.ToString(v.AvailabilityZone),
			State:    string(v.State),
			Tags:     fromEC2Tags(v.Tags),
		})
	}
	return volumes, nil
}

func (s *EC2Storage) CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*Snapshot, error) {
	out, err := withRetry(ctx, func() (*ec2.CreateSnapshotOutput, error) {
		return s.client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
			VolumeId: aws.String(volumeID),
			TagSpecifications: []types.TagSpecification{
				{ResourceType: types.ResourceTypeSnapshot, Tags: toEC2Tags(tags)},
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("creating snapshot of volume %s: %w", volumeID, err)
	}
	return &Snapshot{
		SnapshotID: aws.ToString(out.SnapshotId),
		VolumeID:   volumeID,
		State:      string(out.State),
		StartedAt:  aws.ToTime(out.StartTime),
	}, nil
}

func (s *EC2Storage) ListSnapshots(ctx context.Context, volumeID string) ([]Snapshot, error) {
	out, err := withRetry(ctx, func() (*ec2.DescribeSnapshotsOutput, error) {
		return s.client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
			Filters: []types.Filter{{Name: aws.String("volume-id"), Values: []string{volumeID}}},
			OwnerIds: []string{"self"},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots of volume %s: %w", volumeID, err)
	}
	snaps := make([]Snapshot, 0, len(out.Snapshots))
	for _, snap := range out.Snapshots {
		snaps = append(snaps, Snapshot{
			SnapshotID: aws.ToString(snap.SnapshotId),
			VolumeID:   aws.ToString(snap.VolumeId),
			State:      string(snap.State),
			StartedAt:  aws.ToTime(snap.StartTime),
		})
	}
	return snaps, nil
}

func (s *EC2Storage) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := withRetry(ctx, func() (*ec2.DeleteSnapshotOutput, error) {
		return s.client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)})
	})
	if err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", snapshotID, err)
	}
	return nil
}

func toEC2Tags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func fromEC2Tags(tags []types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}
