// Package vsphere implements VSphereGateway (domain.VSphereGateway): the
// session, operation and typed-error layer over govmomi that the control
// plane and every CloneWorker use to manipulate VMs.
package vsphere

import "fmt"

// ErrorKind enumerates the taxonomy named in spec section 7, plus the
// per-operation variants the original's source/exceptions/vsphere.py
// subclasses named individually (VMPowerOnError, VMCloneError, ...).
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransient
	KindNotFound
	KindTimeout
	KindSessionExpired
	KindConnectError
	KindCloneError
	KindPowerOn
	KindPowerOff
	KindSuspend
	KindDeleteError
	KindIPNotFound
	KindWaitReadyError
	KindReconfigureError
	KindNsxUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindSessionExpired:
		return "session_expired"
	case KindConnectError:
		return "connect_error"
	case KindCloneError:
		return "clone_error"
	case KindPowerOn:
		return "power_on_error"
	case KindPowerOff:
		return "power_off_error"
	case KindSuspend:
		return "suspend_error"
	case KindDeleteError:
		return "delete_error"
	case KindIPNotFound:
		return "ip_not_found"
	case KindWaitReadyError:
		return "wait_ready_error"
	case KindReconfigureError:
		return "reconfigure_error"
	case KindNsxUnavailable:
		return "nsx_unavailable"
	default:
		return "unknown"
	}
}

// Error is the error type the Gateway's VM operations return (Close and
// ReconnectIfNeeded may pass SDK errors through unwrapped),
// standing in for the source's VSphereError subclass hierarchy (spec
// section 9's REDESIGN FLAGS: Result<T, ErrorKind> instead of exceptions).
type Error struct {
	Kind    ErrorKind
	VMName  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.VMName != "" {
		return fmt.Sprintf("vsphere: %s (vm=%s): %s", e.Kind, e.VMName, e.Message)
	}
	return fmt.Sprintf("vsphere: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &Error{Kind: KindNotFound}) style matching on
// kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, vmName, message string, cause error) *Error {
	return &Error{Kind: kind, VMName: vmName, Message: message, Err: cause}
}
