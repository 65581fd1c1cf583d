package replenisher

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/metrics"
)

// RunJanitor gathers fault VMs and stuck init-VMs and deletes their
// union, logging and continuing past per-VM errors (spec section 4.8).
// It preserves the source's set(fault) | set(init) union semantics
// verbatim, including the naming-impossible-but-harmless case where a
// name could appear in both lists. m may be nil, in which case deletions
// are not recorded as metrics.
func RunJanitor(ctx context.Context, view PoolReader, faultVMTTLMinutes int, log *logrus.Entry, m *metrics.Collector) {
	log = log.WithField("component", "janitor")

	fault, err := view.ListFaultVMs(ctx)
	if err != nil {
		log.WithError(err).Error("listing fault vms failed, skipping this tick")
		fault = nil
	}
	stuck, err := view.ListInitVMs(ctx, faultVMTTLMinutes)
	if err != nil {
		log.WithError(err).Error("listing stuck init vms failed, skipping this tick")
		stuck = nil
	}

	// reason records why each name is up for reaping; fault takes
	// priority when a name is (impossibly) in both lists, since a VM
	// marked faulty is reaped for that reason regardless of its age.
	reason := make(map[string]string, len(fault)+len(stuck))
	for _, name := range fault {
		reason[name] = "fault"
	}
	for _, name := range stuck {
		if _, ok := reason[name]; !ok {
			reason[name] = "stuck_init"
		}
	}

	for name, why := range reason {
		if err := view.DeleteVMByName(ctx, name); err != nil {
			log.WithField("vm", name).WithError(err).Warn("failed to delete vm, continuing")
			continue
		}
		log.WithField("vm", name).Info("reaped vm")
		if m != nil {
			m.RecordJanitorDeletion(why)
		}
	}
}
