// Package store defines the relational persistence layer shared by the
// Manager and the reconciler: Host/VM/Network/Volume/Snapshot/Container/
// Function/User entities in the public schema, plus the isolated audit and
// metrics schemas.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vulcan-sh/vulcan/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on a unique-key clash (e.g. duplicate Host name,
// duplicate (host_port, protocol) pair).
var ErrConflict = errors.New("conflict")

// Filter narrows a list query by ownership, per spec.md §5: a viewer/user
// sees rows where created_by_user_id = OwnerUserID OR NULL; an admin sets
// IsAdmin to bypass the predicate entirely. This is applied as a SQL WHERE
// clause, never as a post-fetch filter, so pagination counts stay correct.
type Filter struct {
	OwnerUserID string
	IsAdmin     bool
	Limit       int
	Offset      int
}

// HostStore persists Host rows and their heartbeat-reported metrics.
type HostStore interface {
	CreateHost(ctx context.Context, h *model.Host) error
	GetHost(ctx context.Context, id string) (*model.Host, error)
	GetHostByName(ctx context.Context, name string) (*model.Host, error)
	ListHosts(ctx context.Context) ([]*model.Host, error)
	UpdateHostHeartbeat(ctx context.Context, id string, h *model.Host) error
	RecordHostMetrics(ctx context.Context, m *model.HostMetrics) error
}

// VMStore persists VM rows and their attached Drives/NICs/PortForwards.
type VMStore interface {
	CreateVM(ctx context.Context, vm *model.VM) error
	GetVM(ctx context.Context, id string) (*model.VM, error)
	GetVMByName(ctx context.Context, name string) (*model.VM, error)
	ListVMs(ctx context.Context, f Filter) ([]*model.VM, int, error)
	ListVMsByHost(ctx context.Context, hostID string) ([]*model.VM, error)
	UpdateVMState(ctx context.Context, id, state, faultMessage string) error
	UpdateVMGuestIP(ctx context.Context, id, guestIP string) error
	// SetVMRuntimeInfo records the Agent-assigned runtime handles returned
	// by create_vm/restore_vm (API socket, TAP device, log path,
	// supervision unit) once the Agent dispatch succeeds.
	SetVMRuntimeInfo(ctx context.Context, id, apiSocketPath, tapName, logPath, supervisionUnit string) error
	DeleteVM(ctx context.Context, id string) error
	// IsRecentlyTombstoned reports whether id was deleted within the given
	// retention window, distinguishing a reconciler orphan the Manager
	// itself just tore down from a genuinely unknown VM (spec.md §4.3).
	IsRecentlyTombstoned(ctx context.Context, id string, within time.Duration) (bool, error)

	AddVMDrive(ctx context.Context, d *model.VMDrive) error
	RemoveVMDrive(ctx context.Context, vmID, driveID string) error
	ListVMDrives(ctx context.Context, vmID string) ([]*model.VMDrive, error)

	AddVMNIC(ctx context.Context, n *model.VMNIC) error
	RemoveVMNIC(ctx context.Context, vmID, ifaceID string) error
	ListVMNICs(ctx context.Context, vmID string) ([]*model.VMNIC, error)

	CreatePortForward(ctx context.Context, pf *model.PortForward) error
	GetPortForward(ctx context.Context, id string) (*model.PortForward, error)
	DeletePortForward(ctx context.Context, id string) error
	ListPortForwards(ctx context.Context, vmID string) ([]*model.PortForward, error)

	RecordVMMetrics(ctx context.Context, m *model.VMMetrics) error
}

// NetworkStore persists Network rows and the VXLAN Network–Host junction.
type NetworkStore interface {
	CreateNetwork(ctx context.Context, n *model.Network) error
	GetNetwork(ctx context.Context, id string) (*model.Network, error)
	ListNetworks(ctx context.Context) ([]*model.Network, error)
	UpdateNetworkStatus(ctx context.Context, id, status, errMsg string) error
	DeleteNetwork(ctx context.Context, id string) error

	AddNetworkHost(ctx context.Context, nh *model.NetworkHost) error
	ListNetworkHosts(ctx context.Context, networkID string) ([]*model.NetworkHost, error)
}

// VolumeStore persists Volume rows and their VM attachments.
type VolumeStore interface {
	CreateVolume(ctx context.Context, v *model.Volume) error
	GetVolume(ctx context.Context, id string) (*model.Volume, error)
	ListVolumes(ctx context.Context, hostID string) ([]*model.Volume, error)
	UpdateVolumeStatus(ctx context.Context, id, status string) error
	DeleteVolume(ctx context.Context, id string) error

	AttachVolume(ctx context.Context, a *model.VolumeAttachment) error
	DetachVolume(ctx context.Context, volumeID, vmID string) error
	ListVolumeAttachments(ctx context.Context, volumeID string) ([]*model.VolumeAttachment, error)
}

// SnapshotStore persists per-VM Snapshots and the golden RuntimeSnapshot
// cache.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s *model.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	ListSnapshotsByVM(ctx context.Context, vmID string) ([]*model.Snapshot, error)
	UpdateSnapshotState(ctx context.Context, id, state, errMsg string) error
	DeleteSnapshot(ctx context.Context, id string) error

	CreateRuntimeSnapshot(ctx context.Context, rs *model.RuntimeSnapshot) error
	GetReadyRuntimeSnapshot(ctx context.Context, runtimeImage string) (*model.RuntimeSnapshot, error)
	ListRuntimeSnapshots(ctx context.Context, runtimeImage string) ([]*model.RuntimeSnapshot, error)
	// PromoteRuntimeSnapshot atomically marks newID ready and demotes any
	// previously-ready snapshot for the same runtime image to unhealthy,
	// preserving invariant I4 (exactly one ready per runtime image).
	PromoteRuntimeSnapshot(ctx context.Context, runtimeImage, newID string) error
	RecordRuntimeSnapshotUse(ctx context.Context, id string, success bool) error
	MarkRuntimeSnapshotUnhealthy(ctx context.Context, id, reason string) error
}

// ContainerStore persists Container rows.
type ContainerStore interface {
	CreateContainer(ctx context.Context, c *model.Container) error
	GetContainer(ctx context.Context, id string) (*model.Container, error)
	ListContainers(ctx context.Context, f Filter) ([]*model.Container, int, error)
	UpdateContainerState(ctx context.Context, id, state string) error
	SetContainerBoot(ctx context.Context, id, vmID, bootMethod, state string) error
	DeleteContainer(ctx context.Context, id string) error
	RecordContainerMetrics(ctx context.Context, m *model.ContainerMetrics) error
}

// FunctionStore persists Function rows.
type FunctionStore interface {
	CreateFunction(ctx context.Context, f *model.Function) error
	GetFunction(ctx context.Context, id string) (*model.Function, error)
	ListFunctions(ctx context.Context, f Filter) ([]*model.Function, int, error)
	UpdateFunctionState(ctx context.Context, id, state string) error
	BindFunctionVM(ctx context.Context, id, vmID, guestIP string, listenPort int) error
	TouchFunctionInvoked(ctx context.Context, id string) error
	DeleteFunction(ctx context.Context, id string) error
}

// TemplateStore persists reusable VM Templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *model.Template) error
	GetTemplate(ctx context.Context, id string) (*model.Template, error)
	ListTemplates(ctx context.Context) ([]*model.Template, error)
	DeleteTemplate(ctx context.Context, id string) error
}

// UserStore persists Users and their API tokens.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	CreateAPIToken(ctx context.Context, t *model.APIToken) error
	GetAPITokenByHash(ctx context.Context, hash string) (*model.APIToken, error)
	TouchAPITokenUse(ctx context.Context, id string) error
	RevokeAPIToken(ctx context.Context, id string) error
}

// AuditStore appends to the isolated audit schema.
type AuditStore interface {
	RecordAudit(ctx context.Context, a *model.AuditLog) error
	ListAudit(ctx context.Context, limit, offset int) ([]*model.AuditLog, error)
}

// MetricsStore reads and purges the isolated metrics schema.
type MetricsStore interface {
	PurgeMetricsOlderThan(ctx context.Context, cutoffUnixSeconds int64) (int64, error)
}

// Store is the full persistence surface used by the Manager.
type Store interface {
	HostStore
	VMStore
	NetworkStore
	VolumeStore
	SnapshotStore
	ContainerStore
	FunctionStore
	TemplateStore
	UserStore
	AuditStore
	MetricsStore

	Close() error
}
