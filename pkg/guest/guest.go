// Package guest implements domain.GuestProvisioner as a narrow TCP
// boundary around the two opaque guest-side phases spec section 6 names
// out of scope: GuestBootstrap and AppTutorial. The refiller only ever
// distinguishes "ok", "install timeout" and "other error" — it never
// inspects the OS bootstrap, APK install or in-game tutorial macro
// themselves.
package guest

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/domain"
)

// Config configures how the provisioner reaches a guest.
type Config struct {
	BootstrapPort int
	TutorialPort  int
	DialTimeout   time.Duration
}

// Provisioner is the default GuestProvisioner: it hands off to whatever
// external automation owns the guest image by dialing a local control
// port on the VM's IP and waiting for it to close the connection,
// treating a dial timeout as the "install timeout" variant the worker's
// retry policy distinguishes (spec section 4.5).
type Provisioner struct {
	cfg Config
	log *logrus.Entry
}

var _ domain.GuestProvisioner = (*Provisioner)(nil)

// New constructs a Provisioner.
func New(cfg Config, log *logrus.Entry) *Provisioner {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Provisioner{cfg: cfg, log: log.WithField("component", "guest_provisioner")}
}

// Bootstrap runs the guest-side OS/APK bootstrap phase to completion.
// Returns domain.ErrInstallTimeout when the phase specifically times out
// installing, distinct from any other failure.
func (p *Provisioner) Bootstrap(ctx context.Context, ip string) error {
	return p.runPhase(ctx, ip, p.cfg.BootstrapPort, true)
}

// AppTutorial runs the in-app tutorial walk-through to completion.
func (p *Provisioner) AppTutorial(ctx context.Context, ip, vmName string) error {
	return p.runPhase(ctx, ip, p.cfg.TutorialPort, false)
}

func (p *Provisioner) runPhase(ctx context.Context, ip string, port int, distinguishTimeout bool) error {
	addr := fmt.Sprintf("%s:%d", ip, port)
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if distinguishTimeout && isTimeout(err) {
			return domain.ErrInstallTimeout
		}
		return fmt.Errorf("guest phase dial %s: %w", addr, err)
	}
	defer conn.Close()

	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := conn.Read(buf)
		if err != nil {
			return nil // peer closed: phase complete
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
