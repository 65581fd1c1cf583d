// Package worker implements CloneWorker (spec section 4.5): a one-shot
// build state machine for a single VM. It is designed to run inside an
// isolated OS process (spawned by pkg/builder) so that a vSphere SDK, SSH
// or guest-client crash cannot take down the control plane, mirroring the
// process-isolation idiom pkg/vm/jailer.go uses for untrusted workloads.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/domain"
)

// Config carries everything a worker needs to build one VM, derived from
// REFILLER_* environment variables (spec section 6).
type Config struct {
	Env            string
	GoldenVMName   string
	IPTimeout      time.Duration
	BootstrapTries int
	TutorialTries  int
}

func (c Config) folderPath() string {
	return fmt.Sprintf("DC1/Zeon/%s/LoginVMs", c.Env)
}

// Deps are the worker's external collaborators, each narrow
// interfaces so a test can substitute fakes without a live vCenter/NSX/
// guest stack.
type Deps struct {
	Gateway domain.VSphereGateway
	NSX     domain.NsxResolver
	Guest   domain.GuestProvisioner
	Log     *logrus.Entry
}

// state names the CloneWorker's position in the pipeline, purely for
// logging/diagnostics; control flow is expressed directly in Run.
type state string

const (
	stateClone       state = "CLONE"
	statePowerOn     state = "POWER_ON"
	stateWaitIP      state = "WAIT_IP"
	stateBootstrap   state = "BOOTSTRAP"
	stateAppTutorial state = "APP_TUTORIAL"
	stateFreeze      state = "FREEZE"
	stateMarkReady   state = "MARK_READY"
	stateCleanup     state = "CLEANUP"
)

// Run executes the full CloneWorker state machine for one task and
// returns exactly one WorkerResult — never more, per spec section 9's
// "exactly-one post" fix to the source's suspected happy-path double
// post.
func Run(ctx context.Context, cfg Config, deps Deps, task domain.CloneTask) domain.WorkerResult {
	hex := task.Hex8()
	log := deps.Log.WithFields(logrus.Fields{"job_id": task.JobID, "hex": hex})

	source := fmt.Sprintf("[%s] %s", cfg.Env, cfg.GoldenVMName)
	initName := domain.FormatName(cfg.Env, domain.ClassInit, hex)
	folder := cfg.folderPath()

	vm, err := runBuild(ctx, cfg, deps, log, source, initName, folder)
	if err != nil {
		log.WithError(err).Warn("build failed, cleaning up")
		return cleanupAndFault(ctx, deps, log, initName, err)
	}

	log.WithField("vm", vm.Name).Info("build completed ok")
	return domain.WorkerResult{Status: domain.StatusOK, VMName: vm.Name}
}

// runBuild drives the forward path: CLONE -> POWER_ON -> WAIT_IP ->
// BOOTSTRAP -> APP_TUTORIAL -> FREEZE -> MARK_READY. Any error return
// here sends the caller to CLEANUP.
func runBuild(ctx context.Context, cfg Config, deps Deps, log *logrus.Entry, source, initName, folder string) (*domain.ManagedVM, error) {
	log.WithField("state", stateClone).Info("cloning")
	vm, err := deps.Gateway.CloneVM(ctx, source, initName, folder)
	if err != nil {
		return nil, errors.Wrap(err, "clone")
	}

	log.WithField("state", statePowerOn).Info("powering on")
	if err := deps.Gateway.PowerOnVM(ctx, vm); err != nil {
		return nil, errors.Wrap(err, "power on")
	}

	log.WithField("state", stateWaitIP).Info("waiting for ip")
	ip, err := deps.Gateway.WaitForVMReady(ctx, vm, cfg.IPTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "wait for ready")
	}

	log.WithField("state", stateBootstrap).Info("bootstrapping guest")
	if err := runBootstrap(ctx, cfg, deps, log, vm, &ip); err != nil {
		return nil, errors.Wrap(err, "bootstrap")
	}

	log.WithField("state", stateAppTutorial).Info("running app tutorial")
	if err := runAppTutorial(ctx, cfg, deps, log, vm, &ip); err != nil {
		return nil, errors.Wrap(err, "app tutorial")
	}

	log.WithField("state", stateFreeze).Info("freezing")
	if err := deps.Gateway.PowerOffVM(ctx, vm); err != nil {
		return nil, errors.Wrap(err, "freeze")
	}

	log.WithField("state", stateMarkReady).Info("marking ready")
	readyName := domain.FormatName(cfg.Env, domain.ClassReady, parsedSuffix(vm.Name, initName))
	if err := deps.Gateway.RenameVM(ctx, vm, readyName); err != nil {
		return nil, errors.Wrap(err, "mark ready")
	}
	vm.Name = readyName
	return vm, nil
}

// runBootstrap retries up to cfg.BootstrapTries times. An install-timeout
// failure does not restart the VM between attempts; any other failure
// does, and re-waits for IP before the next attempt (spec 4.5).
func runBootstrap(ctx context.Context, cfg Config, deps Deps, log *logrus.Entry, vm *domain.ManagedVM, ip *string) error {
	tries := cfg.BootstrapTries
	if tries <= 0 {
		tries = 3
	}
	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		err := deps.Guest.Bootstrap(ctx, *ip)
		if err == nil {
			return nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("bootstrap attempt failed")
		if attempt == tries {
			break
		}
		if err == domain.ErrInstallTimeout {
			continue // no restart on install-timeout variant
		}
		newIP, rerr := deps.Gateway.RestartVM(ctx, vm, cfg.IPTimeout)
		if rerr != nil {
			return errors.Wrap(rerr, "restart after bootstrap failure")
		}
		*ip = newIP
	}
	return lastErr
}

// runAppTutorial retries up to cfg.TutorialTries times, restarting the VM
// before every re-attempt (spec 4.5: unlike BOOTSTRAP, APP_TUTORIAL
// always restarts before retrying).
func runAppTutorial(ctx context.Context, cfg Config, deps Deps, log *logrus.Entry, vm *domain.ManagedVM, ip *string) error {
	tries := cfg.TutorialTries
	if tries <= 0 {
		tries = 3
	}
	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		err := deps.Guest.AppTutorial(ctx, *ip, vm.Name)
		if err == nil {
			return nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("app tutorial attempt failed")
		if attempt == tries {
			break
		}
		if err := deps.NSX.EnsureAlive(ctx); err != nil {
			log.WithError(err).Warn("nsx liveness check before tutorial restart failed")
		}
		newIP, rerr := deps.Gateway.RestartVM(ctx, vm, cfg.IPTimeout)
		if rerr != nil {
			return errors.Wrap(rerr, "restart after tutorial failure")
		}
		*ip = newIP
	}
	return lastErr
}

// cleanupAndFault is the CLEANUP state: best-effort power off, then
// mark_fault, never raising — it always produces an ERR result (spec
// 4.5's CLEANUP contract).
func cleanupAndFault(ctx context.Context, deps Deps, log *logrus.Entry, initName string, cause error) domain.WorkerResult {
	log = log.WithField("state", stateCleanup)

	vm, err := deps.Gateway.GetVMByName(ctx, initName)
	if err != nil {
		log.WithError(err).Warn("cleanup: could not re-resolve vm, it may never have been created")
		return domain.WorkerResult{Status: domain.StatusErr, VMName: initName, Message: cause.Error()}
	}

	if err := deps.Gateway.PowerOffVM(ctx, vm); err != nil {
		log.WithError(err).Debug("cleanup: power off failed, continuing")
	}

	parsed, _ := domain.ParseName(vm.Name)
	faultName := domain.FormatName(parsed.Env, domain.ClassFault, parsed.Suffix)
	if err := deps.Gateway.RenameVM(ctx, vm, faultName); err != nil {
		log.WithError(err).Error("cleanup: mark_fault rename failed")
		return domain.WorkerResult{Status: domain.StatusErr, VMName: vm.Name, Message: cause.Error()}
	}

	return domain.WorkerResult{Status: domain.StatusErr, VMName: faultName, Message: cause.Error()}
}

func parsedSuffix(currentName, fallback string) string {
	if p, ok := domain.ParseName(currentName); ok {
		return p.Suffix
	}
	if p, ok := domain.ParseName(fallback); ok {
		return p.Suffix
	}
	return ""
}
