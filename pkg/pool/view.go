// Package pool implements PoolView (spec section 4.3): a thin classifier
// over VSphereGateway.ListEnvVMs that exposes ready/fault/init counts and
// the rename-based state transitions that are the pool's sole mutation
// mechanism.
package pool

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/domain"
)

// View classifies VMs in one environment folder by name prefix.
type View struct {
	gw      domain.VSphereGateway
	envName string
	log     *logrus.Entry
}

// New constructs a View over gw for the given environment prefix (the
// `<env>` token in `[<env>] *` names).
func New(gw domain.VSphereGateway, envName string, log *logrus.Entry) *View {
	return &View{gw: gw, envName: envName, log: log.WithField("component", "pool_view")}
}

func (v *View) classify(ctx context.Context) (ready, fault, initVMs []classified, err error) {
	vms, err := v.gw.ListEnvVMs(ctx, v.envName)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "list env vms")
	}
	for _, vm := range vms {
		parsed, ok := domain.ParseName(vm.Name)
		if !ok || parsed.Env != v.envName {
			continue
		}
		c := classified{vm: vm, parsed: parsed}
		switch parsed.Class {
		case domain.ClassReady:
			ready = append(ready, c)
		case domain.ClassFault:
			fault = append(fault, c)
		case domain.ClassInit:
			initVMs = append(initVMs, c)
		}
	}
	return ready, fault, initVMs, nil
}

type classified struct {
	vm     *domain.ManagedVM
	parsed domain.ParsedName
}

// CountReady refreshes inventory and returns the number of ready-marked
// VMs (spec I2).
func (v *View) CountReady(ctx context.Context) (int, error) {
	ready, _, _, err := v.classify(ctx)
	if err != nil {
		return 0, err
	}
	return len(ready), nil
}

// ListFaultVMs returns the names of all fault-marked VMs.
func (v *View) ListFaultVMs(ctx context.Context) ([]string, error) {
	_, fault, _, err := v.classify(ctx)
	if err != nil {
		return nil, err
	}
	return names(fault), nil
}

// ListInitVMs returns init-marked VMs whose creation instant is at least
// olderThanMinutes old in UTC. A VM with neither config.createDate nor
// runtime.bootTime populated is considered "young" and excluded — the
// same fallback the gateway's CreationTimestamp resolution encodes (spec
// section 9; this implementation uses UTC throughout rather than
// reproducing the source's naive/aware datetime comparison bug, per
// spec.md's explicit "should be fixed" note).
//
// olderThanMinutes <= 0 refuses to touch init-VMs at all (safety guard,
// spec B2/4.8), returning an empty slice regardless of inventory.
func (v *View) ListInitVMs(ctx context.Context, olderThanMinutes int) ([]string, error) {
	if olderThanMinutes <= 0 {
		return nil, nil
	}
	_, _, initVMs, err := v.classify(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMinutes) * time.Minute)
	var stuck []classified
	for _, c := range initVMs {
		if !c.vm.Created.IsKnown() {
			continue // "young"; never reaped regardless of TTL (B3)
		}
		if c.vm.Created.At().UTC().Before(cutoff) {
			stuck = append(stuck, c)
		}
	}
	return names(stuck), nil
}

// MarkFaultByName resolves name and marks it faulty, satisfying
// pkg/builder's FaultMarker boundary: BuilderPool only ever knows a
// crashed or silently-exiting worker's init-name, never a live handle.
func (v *View) MarkFaultByName(ctx context.Context, name string) error {
	vm, err := v.gw.GetVMByName(ctx, name)
	if err != nil {
		return err
	}
	_, err = v.MarkFault(ctx, vm)
	return err
}

// MarkReady renames vm's class token to VM2login, preserving its 8-hex
// suffix, and returns the new name.
func (v *View) MarkReady(ctx context.Context, vm *domain.ManagedVM) (string, error) {
	return v.rename(ctx, vm, domain.ClassReady)
}

// MarkFault renames vm's class token to VMError, preserving its 8-hex
// suffix, and returns the new name.
func (v *View) MarkFault(ctx context.Context, vm *domain.ManagedVM) (string, error) {
	return v.rename(ctx, vm, domain.ClassFault)
}

func (v *View) rename(ctx context.Context, vm *domain.ManagedVM, class domain.NameClass) (string, error) {
	parsed, ok := domain.ParseName(vm.Name)
	if !ok {
		return "", errors.Errorf("pool view: %q is not a classified name", vm.Name)
	}
	newName := domain.FormatName(parsed.Env, class, parsed.Suffix)
	if err := v.gw.RenameVM(ctx, vm, newName); err != nil {
		return "", err
	}
	vm.Name = newName
	return newName, nil
}

// DeleteVMByName powers off (ignoring errors) then destroys the named VM.
func (v *View) DeleteVMByName(ctx context.Context, name string) error {
	vm, err := v.gw.GetVMByName(ctx, name)
	if err != nil {
		return err
	}
	if err := v.gw.PowerOffVM(ctx, vm); err != nil {
		v.log.WithField("vm", name).WithError(err).Debug("power off before delete failed, continuing")
	}
	return v.gw.DeleteVM(ctx, vm)
}

func names(cs []classified) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.vm.Name)
	}
	return out
}
