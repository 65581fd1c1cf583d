package vsphere

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// Params is the connection configuration a session is opened with; one
// VSphereGateway owns exactly one session (never shared across
// CloneWorker processes, per spec section 5).
type Params struct {
	Host     string
	User     string
	Password string
	Port     int
	Insecure bool
}

func (p Params) url() (*url.URL, error) {
	u, err := soap.ParseURL(fmt.Sprintf("%s:%d", p.Host, p.Port))
	if err != nil {
		return nil, err
	}
	u.User = url.UserPassword(p.User, p.Password)
	return u, nil
}

// session wraps a govmomi client with a Finder, mirroring the teacher
// pack's kubernetes-sigs session.Session embedding *govmomi.Client plus
// Finder/datacenter. Unlike that reference it is not process-wide cached:
// spec section 5 requires each worker and the control plane to own their
// own session.
type session struct {
	client *govmomi.Client
	finder *find.Finder
	dc     *object.Datacenter
	params Params
	log    *logrus.Entry
}

// connect opens a fresh vCenter session, as VSphereGateway.Connect
// (spec 4.1): cache inventory root (here: the Finder/default datacenter),
// fail with ConnectError on auth or network failure.
func connect(ctx context.Context, log *logrus.Entry, params Params) (*session, error) {
	u, err := params.url()
	if err != nil {
		return nil, newError(KindConnectError, "", "invalid vcenter url", err)
	}

	soapClient := soap.NewClient(u, params.Insecure)
	vimClient, err := vim25.NewClient(ctx, soapClient)
	if err != nil {
		return nil, newError(KindConnectError, "", "vim25 client setup failed", err)
	}

	client := &govmomi.Client{
		Client:         vimClient,
		SessionManager: session.NewManager(vimClient),
	}

	if err := client.Login(ctx, u.User); err != nil {
		return nil, newError(KindConnectError, "", "login failed", err)
	}

	finder := find.NewFinder(client.Client, true)
	dc, err := finder.DefaultDatacenter(ctx)
	if err != nil {
		return nil, newError(KindConnectError, "", "default datacenter lookup failed", err)
	}
	finder.SetDatacenter(dc)

	log.WithField("host", params.Host).Info("vsphere session established")

	return &session{client: client, finder: finder, dc: dc, params: params, log: log}, nil
}

// reconnectIfNeeded is the literal translation of
// VSphereConnection.reconnect_if_needed: issue a real RPC (GetCurrentTime)
// against the session; only a NotAuthenticated fault triggers a
// reconnect. Any other error is returned unwrapped; the Gateway's
// operations report it as a KindSessionExpired "reconnect failed" error
// and do not retry the probe.
func (s *session) reconnectIfNeeded(ctx context.Context) (bool, error) {
	_, err := methods.GetCurrentTime(ctx, s.client)
	if err == nil {
		return false, nil
	}
	if !soap.IsSoapFault(err) {
		return false, err
	}
	fault := soap.ToSoapFault(err).VimFault()
	if _, ok := fault.(types.NotAuthenticated); !ok {
		return false, err
	}

	s.log.Warn("vsphere session expired, reconnecting")
	fresh, connErr := connect(ctx, s.log, s.params)
	if connErr != nil {
		return false, connErr
	}
	s.client = fresh.client
	s.finder = fresh.finder
	s.dc = fresh.dc
	return true, nil
}

func (s *session) close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Logout(ctx)
}
