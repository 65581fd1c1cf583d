// refiller is the VM pool refiller's control-plane entrypoint: it wires
// the Replenisher and BuilderPool together and runs until an interrupt or
// terminate signal drains the queue and exits cleanly.
//
// Build: go build -o refiller ./cmd/refiller
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/builder"
	"github.com/zeon-infra/vm-refiller/pkg/config"
	"github.com/zeon-infra/vm-refiller/pkg/metrics"
	"github.com/zeon-infra/vm-refiller/pkg/nsx"
	"github.com/zeon-infra/vm-refiller/pkg/pool"
	"github.com/zeon-infra/vm-refiller/pkg/replenisher"
	"github.com/zeon-infra/vm-refiller/pkg/supervisor"
	"github.com/zeon-infra/vm-refiller/pkg/vsphere"
)

func main() {
	log := logrus.New()
	entry := logrus.NewEntry(log)

	cfg := config.Default()
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		entry.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}
	cfg.ApplyToLogger(log)

	ctx := context.Background()

	collector := metrics.NewCollector()

	resolver := nsx.NewResolver(nsx.Config{
		Host: cfg.NSXHost, Port: cfg.NSXPort, User: cfg.NSXUser, Password: cfg.NSXPassword,
		SwitchName: cfg.NSXSwitchName,
	}, entry)
	resolver.SetMetrics(collector)

	gw := vsphere.NewGateway(vsphere.Config{
		Params: vsphere.Params{
			Host: cfg.VCenterHost, User: cfg.VCenterUser, Password: cfg.VCenterPassword,
			Port: cfg.VCenterPort, Insecure: cfg.VCenterInsecure,
		},
		PoolOpRetries: cfg.PoolOpRetries,
		PoolOpBackoff: cfg.PoolOpBackoff,
	}, resolver, entry)
	gw.SetMetrics(collector)

	if err := gw.Connect(ctx); err != nil {
		entry.WithError(err).Error("failed to connect to vcenter")
		os.Exit(1)
	}
	defer gw.Close(ctx)

	view := pool.New(gw, cfg.VMPrefix, entry)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		entry.Info("metrics listening on :9090")
		if err := http.ListenAndServe(":9090", mux); err != nil {
			entry.WithError(err).Warn("metrics server stopped")
		}
	}()

	exe, err := os.Executable()
	if err != nil {
		entry.WithError(err).Error("could not resolve own executable path")
		os.Exit(1)
	}
	workerBinary := exe + "-worker"

	spawner := &builder.ProcessSpawner{
		BinaryPath: workerBinary,
		Env: []string{
			fmt.Sprintf("VM_PREFIX=%s", cfg.VMPrefix),
			fmt.Sprintf("REFILLER_GOLDEN_VM_NAME=%s", cfg.GoldenVMName),
			fmt.Sprintf("VCENTER_HOST=%s", cfg.VCenterHost),
			fmt.Sprintf("VCENTER_USER=%s", cfg.VCenterUser),
			fmt.Sprintf("VCENTER_PASSWORD=%s", cfg.VCenterPassword),
			fmt.Sprintf("VCENTER_PORT=%d", cfg.VCenterPort),
			fmt.Sprintf("NSX_HOST=%s", cfg.NSXHost),
			fmt.Sprintf("NSX_USER=%s", cfg.NSXUser),
			fmt.Sprintf("NSX_PASSWORD=%s", cfg.NSXPassword),
			fmt.Sprintf("NSX_PORT=%d", cfg.NSXPort),
			fmt.Sprintf("NSX_SWITCH_NAME=%s", cfg.NSXSwitchName),
			fmt.Sprintf("IP_TIMEOUT=%d", int(cfg.IPTimeout.Seconds())),
			fmt.Sprintf("POOL_OP_RETRIES=%d", cfg.PoolOpRetries),
			fmt.Sprintf("POOL_OP_BACKOFF=%v", cfg.PoolOpBackoff),
		},
		Log: entry,
	}

	sup := supervisor.New(
		replenisher.Config{
			MinReadyVM: cfg.MinReadyVM, MaxReadyVM: cfg.MaxReadyVM, BatchSize: cfg.BatchSize,
			CheckInterval: cfg.CheckInterval, FaultVMTTLMins: int(cfg.FaultVMTTL.Minutes()),
		},
		builder.Config{Env: cfg.VMPrefix, BuilderProc: cfg.BuilderProc, WorkerTimeout: cfg.WorkerTimeout},
		view, spawner, entry,
	)
	sup.SetMetrics(collector)

	if err := sup.Run(ctx); err != nil {
		entry.WithError(err).Error("supervisor exited with error")
		os.Exit(1)
	}
}
