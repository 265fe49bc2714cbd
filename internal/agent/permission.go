package agent

import (
	"log/slog"
	"strings"

	acp "github.com/coder/acp-go-sdk"
)

// Resolution reports how a permission request was answered.
type Resolution struct {
	RequestID uint64 `json:"requestId"`
	Outcome   string `json:"outcome"`
	OptionID  string `json:"optionId,omitempty"`
	Remaining int    `json:"remaining"`
}

// Approve resolves the head of the agent's permission queue with a selected
// option. An explicit optionId wins when it matches an advertised option;
// otherwise the first allow-kind option, then the first option overall.
func (reg *Registry) Approve(name, optionID string) (Resolution, error) {
	return reg.resolveHead(name, optionID, "allow")
}

// Deny is Approve with reject-kind preference.
func (reg *Registry) Deny(name, optionID string) (Resolution, error) {
	return reg.resolveHead(name, optionID, "reject")
}

func (reg *Registry) resolveHead(name, optionID, preferKind string) (Resolution, error) {
	rec, err := reg.Get(name)
	if err != nil {
		return Resolution{}, err
	}

	rec.mu.Lock()
	if len(rec.pending) == 0 {
		rec.mu.Unlock()
		return Resolution{}, ErrNoPendingPermissions
	}
	head := rec.pending[0]
	rec.pending = rec.pending[1:]
	remaining := len(rec.pending)
	rec.touchLocked()
	rec.mu.Unlock()

	selected := pickOption(head.Params.Options, optionID, preferKind)
	head.resolve <- acp.RequestPermissionResponse{
		Outcome: acp.NewRequestPermissionOutcomeSelected(acp.PermissionOptionId(selected)),
	}

	slog.Info("permission resolved", "agent", name, "request_id", head.RequestID, "option", selected, "remaining", remaining)
	return Resolution{
		RequestID: head.RequestID,
		Outcome:   "selected",
		OptionID:  selected,
		Remaining: remaining,
	}, nil
}

// CancelPermissions resolves every queued request with a cancelled outcome.
// Idempotent; returns the number cancelled.
func (reg *Registry) CancelPermissions(name string) (int, error) {
	rec, err := reg.Get(name)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	n := rec.cancelPendingLocked()
	rec.mu.Unlock()
	if n > 0 {
		slog.Info("permissions cancelled", "agent", name, "count", n)
	}
	return n, nil
}

// pickOption applies the selection policy against the advertised options.
func pickOption(options []acp.PermissionOption, optionID, preferKind string) string {
	if optionID != "" {
		for _, opt := range options {
			if string(opt.OptionId) == optionID {
				return optionID
			}
		}
	}
	for _, opt := range options {
		if strings.HasPrefix(string(opt.Kind), preferKind) {
			return string(opt.OptionId)
		}
	}
	if len(options) > 0 {
		return string(options[0].OptionId)
	}
	return ""
}
