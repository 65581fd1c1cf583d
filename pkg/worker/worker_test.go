package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/domain"
)

type fakeGateway struct {
	vms map[string]*domain.ManagedVM

	waitReadyErr    error
	powerOnErr      error
	restartCalls    int
	renameCalls     int
}

var _ domain.VSphereGateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway { return &fakeGateway{vms: map[string]*domain.ManagedVM{}} }

func (f *fakeGateway) Connect(ctx context.Context) error                  { return nil }
func (f *fakeGateway) ReconnectIfNeeded(ctx context.Context) (bool, error) { return false, nil }
func (f *fakeGateway) Close(ctx context.Context) error                    { return nil }

func (f *fakeGateway) GetVMByName(ctx context.Context, name string) (*domain.ManagedVM, error) {
	vm, ok := f.vms[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return vm, nil
}

func (f *fakeGateway) ListEnvVMs(ctx context.Context, envPrefix string) ([]*domain.ManagedVM, error) {
	var out []*domain.ManagedVM
	for _, vm := range f.vms {
		out = append(out, vm)
	}
	return out, nil
}

func (f *fakeGateway) CloneVM(ctx context.Context, src, dst, folder string) (*domain.ManagedVM, error) {
	vm := &domain.ManagedVM{Name: dst}
	f.vms[dst] = vm
	return vm, nil
}

func (f *fakeGateway) PowerOnVM(ctx context.Context, vm *domain.ManagedVM) error {
	return f.powerOnErr
}
func (f *fakeGateway) PowerOffVM(ctx context.Context, vm *domain.ManagedVM) error { return nil }
func (f *fakeGateway) SuspendVM(ctx context.Context, vm *domain.ManagedVM) error  { return nil }

func (f *fakeGateway) RestartVM(ctx context.Context, vm *domain.ManagedVM, t time.Duration) (string, error) {
	f.restartCalls++
	return "10.0.0.2", nil
}

func (f *fakeGateway) WaitForVMReady(ctx context.Context, vm *domain.ManagedVM, t time.Duration) (string, error) {
	if f.waitReadyErr != nil {
		return "", f.waitReadyErr
	}
	return "10.0.0.1", nil
}

func (f *fakeGateway) RenameVM(ctx context.Context, vm *domain.ManagedVM, newName string) error {
	f.renameCalls++
	delete(f.vms, vm.Name)
	vm.Name = newName
	f.vms[newName] = vm
	return nil
}

func (f *fakeGateway) MoveVMToFolder(ctx context.Context, vm *domain.ManagedVM, folder string) error {
	return nil
}
func (f *fakeGateway) DeleteVM(ctx context.Context, vm *domain.ManagedVM) error {
	delete(f.vms, vm.Name)
	return nil
}
func (f *fakeGateway) ReconfigureVM(ctx context.Context, vm *domain.ManagedVM, cpus int32, memMB int64) error {
	return nil
}

type fakeNSX struct{ ensureAliveCalls int }

func (n *fakeNSX) GetIPByMAC(ctx context.Context, mac string) (string, error) { return "", nil }
func (n *fakeNSX) EnsureAlive(ctx context.Context) error                     { n.ensureAliveCalls++; return nil }
func (n *fakeNSX) Close() error                                              { return nil }

type fakeGuest struct {
	bootstrapErrs []error
	tutorialErrs  []error
	bCalls, tCalls int
}

func (g *fakeGuest) Bootstrap(ctx context.Context, ip string) error {
	var err error
	if g.bCalls < len(g.bootstrapErrs) {
		err = g.bootstrapErrs[g.bCalls]
	}
	g.bCalls++
	return err
}

func (g *fakeGuest) AppTutorial(ctx context.Context, ip, vmName string) error {
	var err error
	if g.tCalls < len(g.tutorialErrs) {
		err = g.tutorialErrs[g.tCalls]
	}
	g.tCalls++
	return err
}

func testDeps(gw *fakeGateway, nsx *fakeNSX, guest *fakeGuest) Deps {
	return Deps{Gateway: gw, NSX: nsx, Guest: guest, Log: logrus.NewEntry(logrus.New())}
}

func testCfg() Config {
	return Config{Env: "Dev", GoldenVMName: "Golden", IPTimeout: time.Second, BootstrapTries: 3, TutorialTries: 3}
}

func TestRunHappyPathProducesSingleOKResult(t *testing.T) {
	gw := newFakeGateway()
	result := Run(context.Background(), testCfg(), testDeps(gw, &fakeNSX{}, &fakeGuest{}), domain.NewCloneTask())

	if result.Status != domain.StatusOK {
		t.Fatalf("expected OK, got %+v", result)
	}
	parsed, ok := domain.ParseName(result.VMName)
	if !ok || parsed.Class != domain.ClassReady {
		t.Fatalf("expected a VM2login name, got %q", result.VMName)
	}
}

func TestRunWaitReadyTimeoutGoesToCleanupFault(t *testing.T) {
	gw := newFakeGateway()
	gw.waitReadyErr = errors.New("timed out waiting for ip")

	result := Run(context.Background(), testCfg(), testDeps(gw, &fakeNSX{}, &fakeGuest{}), domain.NewCloneTask())

	if result.Status != domain.StatusErr {
		t.Fatalf("expected ERR, got %+v", result)
	}
	parsed, ok := domain.ParseName(result.VMName)
	if !ok || parsed.Class != domain.ClassFault {
		t.Fatalf("expected a VMError name, got %q", result.VMName)
	}
	if result.Message == "" {
		t.Fatal("expected a diagnostic message on ERR")
	}
}

func TestBootstrapInstallTimeoutDoesNotRestart(t *testing.T) {
	gw := newFakeGateway()
	guest := &fakeGuest{bootstrapErrs: []error{domain.ErrInstallTimeout, domain.ErrInstallTimeout, nil}}

	result := Run(context.Background(), testCfg(), testDeps(gw, &fakeNSX{}, guest), domain.NewCloneTask())

	if result.Status != domain.StatusOK {
		t.Fatalf("expected eventual OK, got %+v", result)
	}
	if gw.restartCalls != 0 {
		t.Fatalf("install-timeout retries must not restart the VM, got %d restarts", gw.restartCalls)
	}
}

func TestBootstrapOtherErrorRestartsBeforeRetry(t *testing.T) {
	gw := newFakeGateway()
	guest := &fakeGuest{bootstrapErrs: []error{errors.New("adb not ready"), nil}}

	result := Run(context.Background(), testCfg(), testDeps(gw, &fakeNSX{}, guest), domain.NewCloneTask())

	if result.Status != domain.StatusOK {
		t.Fatalf("expected eventual OK, got %+v", result)
	}
	if gw.restartCalls != 1 {
		t.Fatalf("expected exactly one restart before the successful retry, got %d", gw.restartCalls)
	}
}

func TestAppTutorialAlwaysRestartsAndChecksNsx(t *testing.T) {
	gw := newFakeGateway()
	nsx := &fakeNSX{}
	guest := &fakeGuest{tutorialErrs: []error{errors.New("tutorial stalled"), nil}}

	result := Run(context.Background(), testCfg(), testDeps(gw, nsx, guest), domain.NewCloneTask())

	if result.Status != domain.StatusOK {
		t.Fatalf("expected eventual OK, got %+v", result)
	}
	if gw.restartCalls != 1 {
		t.Fatalf("expected a restart before tutorial retry, got %d", gw.restartCalls)
	}
	if nsx.ensureAliveCalls != 1 {
		t.Fatalf("expected EnsureAlive called before tutorial restart, got %d", nsx.ensureAliveCalls)
	}
}

func TestExhaustedRetriesGoToCleanup(t *testing.T) {
	gw := newFakeGateway()
	guest := &fakeGuest{bootstrapErrs: []error{
		errors.New("fail 1"), errors.New("fail 2"), errors.New("fail 3"),
	}}

	result := Run(context.Background(), testCfg(), testDeps(gw, &fakeNSX{}, guest), domain.NewCloneTask())

	if result.Status != domain.StatusErr {
		t.Fatalf("expected ERR after exhausting retries, got %+v", result)
	}
	if guest.bCalls != 3 {
		t.Fatalf("expected exactly 3 bootstrap attempts, got %d", guest.bCalls)
	}
}
