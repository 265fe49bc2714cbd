package agent

import "errors"

// Sentinel errors mapped to HTTP statuses by the gateway.
var (
	ErrNotFound             = errors.New("agent_not_found")
	ErrBusy                 = errors.New("agent_busy")
	ErrNoPendingPermissions = errors.New("no_pending_permissions")
	ErrAskTimeout           = errors.New("ask_timeout")
)

// UpstreamError carries a classified agent failure (auth, rate limit,
// availability). The gateway surfaces it as a 500 with the classified text.
type UpstreamError struct {
	Classified string
}

func (e *UpstreamError) Error() string { return e.Classified }
