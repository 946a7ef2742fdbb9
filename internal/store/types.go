package store

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus is the fixed enum of spec.md §4.4's state machine.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusQueued    ReservationStatus = "queued"
	StatusPreparing ReservationStatus = "preparing"
	StatusActive    ReservationStatus = "active"
	StatusExpired   ReservationStatus = "expired"
	StatusCancelled ReservationStatus = "cancelled"
	StatusFailed    ReservationStatus = "failed"
)

// Terminal reports whether status is one from which no further transition
// is possible (spec.md §3 invariant: status is monotone; cancellation is
// the one transition reachable from any non-terminal state).
func (s ReservationStatus) Terminal() bool {
	switch s {
	case StatusExpired, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// WarningFlags tracks which of the 30/15/5-minute expiry warnings have
// been delivered into the sandbox (spec.md §3, §4.5).
type WarningFlags struct {
	Sent30 bool `json:"sent_30"`
	Sent15 bool `json:"sent_15"`
	Sent5  bool `json:"sent_5"`
}

// Reset clears all flags. The Extend store query clears the stored flags
// in SQL so warnings fire again against the new expiry horizon (spec.md
// §4.4 Extend handler).
func (w *WarningFlags) Reset() {
	*w = WarningFlags{}
}

// Reservation is the central entity of spec.md §3.
type Reservation struct {
	ID       uuid.UUID
	User     string
	GPUType  string
	GPUCount int
	// DurationHours is fractional, per spec.md §3.
	DurationHours float64

	RequestedDiskName   *string
	NoPersistentDisk     bool
	ConfirmDiskOverride  bool
	RequestedDockerImage *string
	Environment          map[string]string
	Collaborators        []string

	Status ReservationStatus

	CreatedAt time.Time
	LaunchedAt *time.Time
	EndedAt    *time.Time
	ExpiresAt  *time.Time

	SandboxName      *string
	SandboxNamespace *string
	Nodes            []string
	SSHHost          *string
	SSHPort          *int32

	VolumeID *string

	QueuePosition *int
	ETAMinutes    *int

	FailureReason *string
	Warnings      WarningFlags
	ExtensionCount int

	UpdatedAt time.Time
}

// IsActiveOrHolding reports whether the reservation currently occupies (or
// is about to occupy) cluster capacity. CountActiveForUser applies the
// same status set in SQL for the per-user active cap.
func (r *Reservation) IsActiveOrHolding() bool {
	switch r.Status {
	case StatusPending, StatusQueued, StatusPreparing, StatusActive:
		return true
	default:
		return false
	}
}

// DiskStatus mirrors the §6 persistent-disk record schema's status enum.
type DiskStatus string

const (
	DiskAvailable   DiskStatus = "available"
	DiskInUse       DiskStatus = "in-use"
	DiskCreating    DiskStatus = "creating"
	DiskDeleting    DiskStatus = "deleting"
	DiskSoftDeleted DiskStatus = "soft-deleted"
)

// Disk is the persistent-disk entity of spec.md §3.
type Disk struct {
	ID       uuid.UUID
	User     string
	Name     string
	VolumeID string
	AZ       string
	SizeGB   int

	Status  DiskStatus
	InUseBy *uuid.UUID

	LastSnapshotID        *string
	PendingSnapshotCount  int
	CompletedSnapshotCount int

	SoftDeletedAt     *time.Time
	LastReconciledAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GPUType is one row of the catalog in spec.md §3: static config plus
// dynamic availability columns refreshed by the availability tracker.
type GPUType struct {
	Tag                string
	InstanceFamily     string
	GPUsPerNode        int
	CPUPerNode         int
	MemoryGBPerNode    int
	Active             bool
	MultiNodeCapable   bool

	TotalClusterGPUs  int
	AvailableGPUs     int
	MaxReservable     int
	FullNodesAvailable int
	RunningInstances  int

	LastUpdateAt *time.Time
	UpdatedBy    string
}

// ValidGPUCounts is the fixed set of request sizes spec.md §4.4 step 1
// allows ("count ∈ {0,1,2,4,8,16}").
var ValidGPUCounts = map[int]bool{0: true, 1: true, 2: true, 4: true, 8: true, 16: true}

// QueueMessageKind is the tagged union of spec.md §3/§6.
type QueueMessageKind string

const (
	KindCreate            QueueMessageKind = "create"
	KindCancel            QueueMessageKind = "cancel"
	KindExtend            QueueMessageKind = "extend"
	KindEnableInteractive QueueMessageKind = "enable-interactive"
	KindDisableInteractive QueueMessageKind = "disable-interactive"
	KindAddUser           QueueMessageKind = "add-user"
	KindRebuildImage      QueueMessageKind = "rebuild-image"
	KindDiskCreate        QueueMessageKind = "disk-create"
	KindDiskDelete        QueueMessageKind = "disk-delete"
)

// QueueMessage is one row of the embedded transactional queue.
type QueueMessage struct {
	ID            int64
	Kind          QueueMessageKind
	ReservationID *uuid.UUID
	DiskID        *uuid.UUID
	Payload       []byte

	EnqueuedAt  time.Time
	VisibleAt   time.Time
	DeliveryCount int
}
