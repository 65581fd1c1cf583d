// refiller-worker is the CloneWorker subprocess entrypoint: it is never
// invoked directly by an operator, only spawned once per build job by
// the control plane's BuilderPool (pkg/builder.ProcessSpawner), isolating
// a single VM build in its own OS process.
//
// It prints exactly one JSON-encoded domain.WorkerResult line to stdout
// before exiting, regardless of outcome.
//
// Build: go build -o refiller-worker ./cmd/refiller-worker
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/domain"
	"github.com/zeon-infra/vm-refiller/pkg/guest"
	"github.com/zeon-infra/vm-refiller/pkg/nsx"
	"github.com/zeon-infra/vm-refiller/pkg/vsphere"
	"github.com/zeon-infra/vm-refiller/pkg/worker"
)

func main() {
	jobID := flag.String("job-id", "", "uuid of the CloneTask this worker builds")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr) // stdout is reserved for the WorkerResult line
	entry := logrus.NewEntry(log)

	id, err := uuid.Parse(*jobID)
	if err != nil {
		fail(entry, fmt.Errorf("invalid -job-id: %w", err))
	}
	task := domain.CloneTask{JobID: id, EnqueuedAt: time.Now()}

	cfg := worker.Config{
		Env:           envOr("VM_PREFIX", "Dev"),
		GoldenVMName:  os.Getenv("REFILLER_GOLDEN_VM_NAME"),
		IPTimeout:     envDurationSeconds("IP_TIMEOUT", 10*time.Second),
		BootstrapTries: 3,
		TutorialTries:  3,
	}

	nsxResolver := nsx.NewResolver(nsx.Config{
		Host: os.Getenv("NSX_HOST"), Port: envInt("NSX_PORT", 22),
		User: os.Getenv("NSX_USER"), Password: os.Getenv("NSX_PASSWORD"),
		SwitchName: os.Getenv("NSX_SWITCH_NAME"),
	}, entry)
	defer nsxResolver.Close()

	gw := vsphere.NewGateway(vsphere.Config{
		Params: vsphere.Params{
			Host: os.Getenv("VCENTER_HOST"), User: os.Getenv("VCENTER_USER"),
			Password: os.Getenv("VCENTER_PASSWORD"), Port: envInt("VCENTER_PORT", 443),
		},
		PoolOpRetries: envInt("POOL_OP_RETRIES", 3),
		PoolOpBackoff: envFloat("POOL_OP_BACKOFF", 2.0),
	}, nsxResolver, entry)

	ctx := context.Background()
	if err := gw.Connect(ctx); err != nil {
		fail(entry, fmt.Errorf("vcenter connect: %w", err))
	}
	defer gw.Close(ctx)

	provisioner := guest.New(guest.Config{BootstrapPort: 7000, TutorialPort: 7001}, entry)

	result := worker.Run(ctx, cfg, worker.Deps{Gateway: gw, NSX: nsxResolver, Guest: provisioner, Log: entry}, task)
	emit(result)
}

func emit(result domain.WorkerResult) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(result); err != nil {
		os.Exit(1)
	}
	if result.Status == domain.StatusErr {
		os.Exit(1)
	}
}

func fail(log *logrus.Entry, err error) {
	log.WithError(err).Error("worker failed before build could start")
	emit(domain.WorkerResult{Status: domain.StatusErr, Message: err.Error()})
	os.Exit(1)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSeconds(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
