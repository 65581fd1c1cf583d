// Package domain defines the shared vocabulary of the VM pool refiller:
// the values and boundary interfaces that the control plane, the builder
// pool and the worker process all agree on.
package domain

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the terminal status of a CloneTask as reported by a
// CloneWorker process.
type WorkerStatus int

const (
	StatusUnknown WorkerStatus = iota
	StatusOK
	StatusErr
)

func (s WorkerStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusErr:
		return "err"
	default:
		return "unknown"
	}
}

// CloneTask is created by the Replenisher, consumed by the BuilderPool and
// carried by value into a CloneWorker subprocess. JobID is the sole piece
// of state a worker is seeded with; every VM name it touches is derived
// from it.
type CloneTask struct {
	JobID      uuid.UUID
	EnqueuedAt time.Time
}

// NewCloneTask stamps a fresh task with a random job id.
func NewCloneTask() CloneTask {
	return CloneTask{JobID: uuid.New(), EnqueuedAt: time.Now()}
}

// Hex8 is the 8-hex-character suffix derived from JobID that identifies a
// single VM across its VMInit -> VM2login|VMError name transitions.
func (t CloneTask) Hex8() string {
	return t.JobID.String()[:8]
}

// WorkerResult is produced exactly once per CloneTask, inside the worker
// process, and transported back to the BuilderPool over a process-safe
// channel.
type WorkerResult struct {
	Status  WorkerStatus
	VMName  string
	Message string
}

// NameClass is the mutually-exclusive classification of a VM name within
// the environment folder.
type NameClass int

const (
	ClassOther NameClass = iota
	ClassInit
	ClassReady
	ClassFault
)

func (c NameClass) String() string {
	switch c {
	case ClassInit:
		return "VMInit"
	case ClassReady:
		return "VM2login"
	case ClassFault:
		return "VMError"
	default:
		return "other"
	}
}

// nameRe matches `[<env>] (VMInit|VM2login|VMError)_<8hex>`, the wire
// format named in spec section 6.
var nameRe = regexp.MustCompile(`^\[([^\]]+)\] (VMInit|VM2login|VMError)_([0-9a-f]{8})$`)

// ParsedName is the decomposition of a classified VM name.
type ParsedName struct {
	Env    string
	Class  NameClass
	Suffix string
}

// ParseName classifies a VM name. Names that don't match the wire format
// return (ParsedName{}, false) and are ignored by the refiller.
func ParseName(name string) (ParsedName, bool) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return ParsedName{}, false
	}
	var class NameClass
	switch m[2] {
	case "VMInit":
		class = ClassInit
	case "VM2login":
		class = ClassReady
	case "VMError":
		class = ClassFault
	}
	return ParsedName{Env: m[1], Class: class, Suffix: m[3]}, true
}

// FormatName is the inverse of ParseName.
func FormatName(env string, class NameClass, suffix string) string {
	return fmt.Sprintf("[%s] %s_%s", env, class, suffix)
}

// PowerState mirrors the vSphere VM power states the gateway reports.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PoweredOn
	PoweredOff
	Suspended
)

func (p PowerState) String() string {
	switch p {
	case PoweredOn:
		return "on"
	case PoweredOff:
		return "off"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// CreationTimestamp is a tagged variant standing in for the source's
// dynamic-attribute probing of config.createDate / runtime.bootTime: a VM
// either has a known creation instant or it doesn't ("young", newly
// cloned, fields not yet populated).
type CreationTimestamp struct {
	known bool
	at    time.Time
}

// Known wraps a resolved creation instant.
func Known(at time.Time) CreationTimestamp { return CreationTimestamp{known: true, at: at} }

// Unknown represents a VM with neither createDate nor bootTime populated.
func Unknown() CreationTimestamp { return CreationTimestamp{} }

// IsKnown reports whether a creation instant was resolved.
func (c CreationTimestamp) IsKnown() bool { return c.known }

// At returns the resolved instant; callers must check IsKnown first.
func (c CreationTimestamp) At() time.Time { return c.at }

// ManagedVM is a reference to a vSphere VM object pinned by name within
// the environment folder. It is never cached across a reconnect; the
// gateway re-resolves by name whenever a session is recreated.
type ManagedVM struct {
	Name       string
	Power      PowerState
	MACAddress string
	Created    CreationTimestamp
}

// VSphereGateway is the boundary C1 describes: vCenter session management
// and VM lifecycle operations. The VM operations return a *vsphere.Error
// (declared in pkg/vsphere to avoid an import cycle) wrapping one of a
// small set of ErrorKinds; ReconnectIfNeeded and Close may return the
// underlying SDK error unwrapped.
type VSphereGateway interface {
	Connect(ctx context.Context) error
	ReconnectIfNeeded(ctx context.Context) (reconnected bool, err error)
	GetVMByName(ctx context.Context, name string) (*ManagedVM, error)
	ListEnvVMs(ctx context.Context, envPrefix string) ([]*ManagedVM, error)
	CloneVM(ctx context.Context, srcName, dstName, folderPath string) (*ManagedVM, error)
	PowerOnVM(ctx context.Context, vm *ManagedVM) error
	PowerOffVM(ctx context.Context, vm *ManagedVM) error
	SuspendVM(ctx context.Context, vm *ManagedVM) error
	RestartVM(ctx context.Context, vm *ManagedVM, readyTimeout time.Duration) (ip string, err error)
	WaitForVMReady(ctx context.Context, vm *ManagedVM, timeout time.Duration) (ip string, err error)
	RenameVM(ctx context.Context, vm *ManagedVM, newName string) error
	MoveVMToFolder(ctx context.Context, vm *ManagedVM, folderPath string) error
	DeleteVM(ctx context.Context, vm *ManagedVM) error
	ReconfigureVM(ctx context.Context, vm *ManagedVM, cpus int32, memoryMB int64) error
	Close(ctx context.Context) error
}

// NsxResolver is the boundary C2 describes: MAC to IP resolution over an
// NSX edge's ARP table, plus the narrow liveness hook the worker's
// guest-phase retry loop uses (ensure_nsx_alive in the original source).
type NsxResolver interface {
	GetIPByMAC(ctx context.Context, mac string) (string, error)
	EnsureAlive(ctx context.Context) error
	Close() error
}

// GuestProvisioner models the two opaque, explicitly out-of-scope guest
// phases named in spec section 6: GuestBootstrap and AppTutorial. The
// refiller never inspects detail beyond "ok / install_timeout / other".
type GuestProvisioner interface {
	Bootstrap(ctx context.Context, ip string) error
	AppTutorial(ctx context.Context, ip, vmName string) error
}

// ErrInstallTimeout is returned by GuestProvisioner.Bootstrap to signal the
// APK-install-timeout variant, which the worker retries without restarting
// the VM (see pkg/worker).
var ErrInstallTimeout = fmt.Errorf("guest bootstrap: install timeout")
