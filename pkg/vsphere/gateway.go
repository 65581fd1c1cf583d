package vsphere

import (
	"context"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/zeon-infra/vm-refiller/pkg/domain"
	"github.com/zeon-infra/vm-refiller/pkg/metrics"
)

// Config configures a Gateway.
type Config struct {
	Params      Params
	PoolOpRetries int
	PoolOpBackoff float64
}

// Gateway implements domain.VSphereGateway. It composes a *session rather
// than inheriting from it, resolving spec section 9's note on the
// original's multiple-inheritance VSpherePoolManager -> VSphereManager ->
// VSphereConnection chain: Gateway owns its session (held by pointer), PoolView (see
// pkg/pool) holds a Gateway by shared reference.
type Gateway struct {
	cfg     Config
	sess    *session
	nsx     domain.NsxResolver
	log     *logrus.Entry
	metrics *metrics.Collector
}

var _ domain.VSphereGateway = (*Gateway)(nil)

// NewGateway constructs an unconnected Gateway. Callers must call Connect
// before any other operation. nsx may be nil for callers (e.g. the control
// plane's PoolView) that never need wait_for_vm_ready.
func NewGateway(cfg Config, nsx domain.NsxResolver, log *logrus.Entry) *Gateway {
	return &Gateway{cfg: cfg, nsx: nsx, log: log.WithField("component", "vsphere_gateway")}
}

// SetMetrics attaches a Collector every retried operation reports its
// latency and, on failure, error kind to. Optional; nil means metrics are
// not recorded.
func (g *Gateway) SetMetrics(m *metrics.Collector) { g.metrics = m }

// timedRetry wraps retry with a StartVSphereOp/ObserveResult pair when a
// Collector is attached, recording kind only on a final (post-retries)
// failure.
func (g *Gateway) timedRetry(opName string, kind ErrorKind, fn func() error) error {
	var timer *metrics.VSphereTimer
	if g.metrics != nil {
		timer = g.metrics.StartVSphereOp(opName)
	}
	err := retry(g.log, g.cfg.PoolOpRetries, g.cfg.PoolOpBackoff, opName, fn)
	if timer != nil {
		errKind := ""
		if err != nil {
			errKind = kind.String()
		}
		timer.ObserveResult(errKind)
	}
	return err
}

func (g *Gateway) Connect(ctx context.Context) error {
	s, err := connect(ctx, g.log, g.cfg.Params)
	if err != nil {
		return err
	}
	g.sess = s
	return nil
}

func (g *Gateway) Close(ctx context.Context) error {
	if g.sess == nil {
		return nil
	}
	return g.sess.close(ctx)
}

// ReconnectIfNeeded implements the decorator-style ensure_vm_connection
// from the original as an explicit entry-point call (spec section 9:
// "express as a small helper at each operation's entry").
func (g *Gateway) ReconnectIfNeeded(ctx context.Context) (bool, error) {
	return g.sess.reconnectIfNeeded(ctx)
}

// resolve re-fetches a VM handle by name; called at the top of every
// operation that takes a ManagedVM, and always after a reconnect, per
// spec 4.1's "Reconnect-and-refresh policy".
func (g *Gateway) resolve(ctx context.Context, name string) (*object.VirtualMachine, error) {
	vm, err := g.sess.finder.VirtualMachine(ctx, name)
	if err != nil {
		return nil, newError(KindNotFound, name, "vm not found", err)
	}
	return vm, nil
}

// entry performs the reconnect probe and, if the session was rebuilt,
// re-resolves the handle by name — the "small helper at each operation's
// entry" spec section 9 calls for in place of a cross-cutting decorator.
func (g *Gateway) entry(ctx context.Context, vm *domain.ManagedVM) (*object.VirtualMachine, error) {
	reconnected, err := g.sess.reconnectIfNeeded(ctx)
	if err != nil {
		return nil, newError(KindSessionExpired, vm.Name, "reconnect failed", err)
	}
	if reconnected {
		g.log.WithField("vm_name", vm.Name).Info("session reconnected, re-resolving handle")
	}
	return g.resolve(ctx, vm.Name)
}

func (g *Gateway) GetVMByName(ctx context.Context, name string) (*domain.ManagedVM, error) {
	if _, err := g.sess.reconnectIfNeeded(ctx); err != nil {
		return nil, newError(KindSessionExpired, name, "reconnect failed", err)
	}
	ref, err := g.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return g.describe(ctx, ref)
}

func (g *Gateway) describe(ctx context.Context, ref *object.VirtualMachine) (*domain.ManagedVM, error) {
	var o mo.VirtualMachine
	if err := ref.Properties(ctx, ref.Reference(), []string{"name", "runtime", "config", "guest"}, &o); err != nil {
		return nil, newError(KindNotFound, ref.Name(), "property collection failed", err)
	}

	mvm := &domain.ManagedVM{Name: o.Name, Power: toPowerState(o.Runtime.PowerState)}
	if o.Config != nil && len(o.Config.Hardware.Device) > 0 {
		for _, d := range o.Config.Hardware.Device {
			if nic, ok := d.(types.BaseVirtualEthernetCard); ok {
				mvm.MACAddress = strings.ToLower(nic.GetVirtualEthernetCard().MacAddress)
				break
			}
		}
	}
	switch {
	case o.Config != nil && o.Config.CreateDate != nil:
		mvm.Created = domain.Known(o.Config.CreateDate.UTC())
	case o.Runtime.BootTime != nil:
		mvm.Created = domain.Known(o.Runtime.BootTime.UTC())
	default:
		mvm.Created = domain.Unknown()
	}
	return mvm, nil
}

func toPowerState(p types.VirtualMachinePowerState) domain.PowerState {
	switch p {
	case types.VirtualMachinePowerStatePoweredOn:
		return domain.PoweredOn
	case types.VirtualMachinePowerStatePoweredOff:
		return domain.PoweredOff
	case types.VirtualMachinePowerStateSuspended:
		return domain.Suspended
	default:
		return domain.PowerUnknown
	}
}

func (g *Gateway) ListEnvVMs(ctx context.Context, envPrefix string) ([]*domain.ManagedVM, error) {
	if _, err := g.sess.reconnectIfNeeded(ctx); err != nil {
		return nil, newError(KindSessionExpired, "", "reconnect failed", err)
	}

	m := view.NewManager(g.sess.client.Client)
	cv, err := m.CreateContainerView(ctx, g.sess.dc.Reference(), []string{"VirtualMachine"}, true)
	if err != nil {
		return nil, newError(KindTransient, "", "container view creation failed", err)
	}
	defer cv.Destroy(ctx)

	var vms []mo.VirtualMachine
	if err := cv.Retrieve(ctx, []string{"VirtualMachine"}, []string{"name", "runtime", "config", "parent"}, &vms); err != nil {
		return nil, newError(KindTransient, "", "vm enumeration failed", err)
	}

	var out []*domain.ManagedVM
	for _, o := range vms {
		if !g.inEnvFolder(ctx, o, envPrefix) {
			continue
		}
		ref := object.NewVirtualMachine(g.sess.client.Client, o.Reference())
		mvm, err := g.describe(ctx, ref)
		if err != nil {
			continue
		}
		out = append(out, mvm)
	}
	return out, nil
}

// inEnvFolder walks parent folders looking for one named envPrefix,
// mirroring _is_vm_in_env_folder's ancestor walk in
// app/vsphere_pool_manager.py.
func (g *Gateway) inEnvFolder(ctx context.Context, o mo.VirtualMachine, envPrefix string) bool {
	ref := o.Parent
	for ref != nil {
		var f mo.Folder
		if err := mo.ObjectDefaultRetriever.Retrieve(ctx, g.sess.client.Client, *ref, []string{"name", "parent"}, &f); err != nil {
			return false
		}
		if f.Name == envPrefix {
			return true
		}
		ref = f.Parent
	}
	return false
}

func (g *Gateway) CloneVM(ctx context.Context, srcName, dstName, folderPath string) (*domain.ManagedVM, error) {
	if _, err := g.sess.reconnectIfNeeded(ctx); err != nil {
		return nil, newError(KindSessionExpired, srcName, "reconnect failed", err)
	}

	src, err := g.resolve(ctx, srcName)
	if err != nil {
		return nil, err
	}

	folder, err := g.ensureFolder(ctx, folderPath)
	if err != nil {
		return nil, newError(KindCloneError, dstName, "destination folder resolution failed", err)
	}

	pool, err := src.ResourcePool(ctx)
	if err != nil {
		return nil, newError(KindCloneError, dstName, "source resource pool lookup failed", err)
	}
	poolRef := pool.Reference()

	spec := types.VirtualMachineCloneSpec{
		Location: types.VirtualMachineRelocateSpec{Pool: &poolRef},
		PowerOn:  false,
		Template: false,
	}

	var cloneErr error
	var result *domain.ManagedVM
	op := func() error {
		task, terr := src.Clone(ctx, folder, path.Base(dstName), spec)
		if terr != nil {
			cloneErr = terr
			return terr
		}
		if terr := task.Wait(ctx); terr != nil {
			cloneErr = terr
			return terr
		}
		return nil
	}
	if err := g.timedRetry("clone_vm", KindCloneError, op); err != nil {
		return nil, newError(KindCloneError, dstName, "clone task failed", err)
	}
	_ = cloneErr

	ref, err := g.resolve(ctx, dstName)
	if err != nil {
		return nil, newError(KindCloneError, dstName, "post-clone lookup failed", err)
	}
	result, err = g.describe(ctx, ref)
	if err != nil {
		return nil, newError(KindCloneError, dstName, "post-clone describe failed", err)
	}
	return result, nil
}

// ensureFolder walks folderPath (slash-separated from the datacenter name,
// spec section 6) creating any missing intermediate folders.
func (g *Gateway) ensureFolder(ctx context.Context, folderPath string) (*object.Folder, error) {
	parts := strings.Split(strings.Trim(folderPath, "/"), "/")
	if len(parts) < 1 {
		folders, err := g.sess.dc.Folders(ctx)
		if err != nil {
			return nil, err
		}
		return folders.VmFolder, nil
	}
	folders, err := g.sess.dc.Folders(ctx)
	if err != nil {
		return nil, err
	}
	current := folders.VmFolder
	// parts[0] is conventionally the datacenter name already selected via
	// g.sess.dc; the remaining segments are the folder chain under it.
	segments := parts
	if len(parts) > 1 {
		segments = parts[1:]
	}
	for _, seg := range segments {
		found, err := g.sess.finder.FolderOrDefault(ctx, current.InventoryPath+"/"+seg)
		if err == nil {
			current = found
			continue
		}
		created, cerr := current.CreateFolder(ctx, seg)
		if cerr != nil {
			return nil, cerr
		}
		current = created
	}
	return current, nil
}

func (g *Gateway) PowerOnVM(ctx context.Context, vm *domain.ManagedVM) error {
	ref, err := g.entry(ctx, vm)
	if err != nil {
		return err
	}
	if vm.Power == domain.PoweredOn {
		return nil
	}
	op := func() error {
		task, terr := ref.PowerOn(ctx)
		if terr != nil {
			return terr
		}
		return task.Wait(ctx)
	}
	if err := g.timedRetry("power_on_vm", KindPowerOn, op); err != nil {
		return newError(KindPowerOn, vm.Name, fmt.Sprintf("power state %s", vm.Power), err)
	}
	return nil
}

func (g *Gateway) PowerOffVM(ctx context.Context, vm *domain.ManagedVM) error {
	ref, err := g.entry(ctx, vm)
	if err != nil {
		return err
	}
	if vm.Power == domain.PoweredOff {
		return nil
	}
	op := func() error {
		task, terr := ref.PowerOff(ctx)
		if terr != nil {
			return terr
		}
		return task.Wait(ctx)
	}
	if err := g.timedRetry("power_off_vm", KindPowerOff, op); err != nil {
		return newError(KindPowerOff, vm.Name, fmt.Sprintf("power state %s", vm.Power), err)
	}
	return nil
}

func (g *Gateway) SuspendVM(ctx context.Context, vm *domain.ManagedVM) error {
	ref, err := g.entry(ctx, vm)
	if err != nil {
		return err
	}
	if vm.Power == domain.Suspended {
		return nil
	}
	op := func() error {
		task, terr := ref.Suspend(ctx)
		if terr != nil {
			return terr
		}
		return task.Wait(ctx)
	}
	if err := g.timedRetry("suspend_vm", KindSuspend, op); err != nil {
		return newError(KindSuspend, vm.Name, fmt.Sprintf("power state %s", vm.Power), err)
	}
	return nil
}

func (g *Gateway) RestartVM(ctx context.Context, vm *domain.ManagedVM, readyTimeout time.Duration) (string, error) {
	_ = g.PowerOffVM(ctx, vm) // best-effort, suppress errors (spec 4.1)
	if err := g.PowerOnVM(ctx, vm); err != nil {
		return "", err
	}
	return g.WaitForVMReady(ctx, vm, readyTimeout)
}

// WaitForVMReady implements the decision recorded in SPEC_FULL section
// 14: an outer 5s ARP-resolution ticker and, once an IP is known, an
// inner 2s TCP-dial ticker, both sharing one overall deadline.
func (g *Gateway) WaitForVMReady(ctx context.Context, vm *domain.ManagedVM, timeout time.Duration) (string, error) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mac := vm.MACAddress
	if mac == "" {
		fresh, err := g.GetVMByName(deadline, vm.Name)
		if err != nil {
			return "", newError(KindWaitReadyError, vm.Name, "mac address unresolved", err)
		}
		mac = fresh.MACAddress
	}

	ip, err := g.resolveIP(deadline, mac, timeout)
	if err != nil {
		return "", newError(KindWaitReadyError, vm.Name, "ip resolution timed out", err)
	}

	if err := g.waitTCP(deadline, ip, "5555"); err != nil {
		return "", newError(KindWaitReadyError, vm.Name, "adb port never opened", err)
	}
	return ip, nil
}

func (g *Gateway) resolveIP(ctx context.Context, mac string, timeout time.Duration) (string, error) {
	if g.nsx == nil {
		return "", fmt.Errorf("nsx resolver not configured")
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		ip, err := g.nsx.GetIPByMAC(ctx, mac)
		if err == nil && ip != "" {
			return ip, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) waitTCP(ctx context.Context, ip, port string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	addr := net.JoinHostPort(ip, port)
	for {
		d := net.Dialer{Timeout: 2 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) RenameVM(ctx context.Context, vm *domain.ManagedVM, newName string) error {
	ref, err := g.entry(ctx, vm)
	if err != nil {
		return err
	}
	op := func() error {
		task, terr := ref.Rename(ctx, newName)
		if terr != nil {
			return terr
		}
		return task.Wait(ctx)
	}
	if err := g.timedRetry("rename_vm", KindReconfigureError, op); err != nil {
		return newError(KindReconfigureError, vm.Name, "rename failed", err)
	}
	return nil
}

func (g *Gateway) MoveVMToFolder(ctx context.Context, vm *domain.ManagedVM, folderPath string) error {
	ref, err := g.entry(ctx, vm)
	if err != nil {
		return err
	}
	folder, err := g.ensureFolder(ctx, folderPath)
	if err != nil {
		return newError(KindReconfigureError, vm.Name, "folder resolution failed", err)
	}
	op := func() error {
		task, terr := folder.MoveInto(ctx, []types.ManagedObjectReference{ref.Reference()})
		if terr != nil {
			return terr
		}
		return task.Wait(ctx)
	}
	if err := g.timedRetry("move_vm", KindReconfigureError, op); err != nil {
		return newError(KindReconfigureError, vm.Name, "move failed", err)
	}
	return nil
}

func (g *Gateway) DeleteVM(ctx context.Context, vm *domain.ManagedVM) error {
	ref, err := g.entry(ctx, vm)
	if err != nil {
		return err
	}
	op := func() error {
		task, terr := ref.Destroy(ctx)
		if terr != nil {
			return terr
		}
		return task.Wait(ctx)
	}
	if err := g.timedRetry("delete_vm", KindDeleteError, op); err != nil {
		return newError(KindDeleteError, vm.Name, "delete failed", err)
	}
	return nil
}

func (g *Gateway) ReconfigureVM(ctx context.Context, vm *domain.ManagedVM, cpus int32, memoryMB int64) error {
	ref, err := g.entry(ctx, vm)
	if err != nil {
		return err
	}
	spec := types.VirtualMachineConfigSpec{NumCPUs: cpus, MemoryMB: memoryMB}
	op := func() error {
		task, terr := ref.Reconfigure(ctx, spec)
		if terr != nil {
			return terr
		}
		return task.Wait(ctx)
	}
	if err := g.timedRetry("reconfigure_vm", KindReconfigureError, op); err != nil {
		return newError(KindReconfigureError, vm.Name, "reconfigure failed", err)
	}
	return nil
}
