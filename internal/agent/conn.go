package agent

import (
	"context"

	acp "github.com/coder/acp-go-sdk"
)

// Conn is the slice of the ACP connection the bridge uses after the
// handshake. *acp.ClientSideConnection satisfies it; tests substitute fakes.
type Conn interface {
	Prompt(ctx context.Context, params acp.PromptRequest) (acp.PromptResponse, error)
	Cancel(ctx context.Context, params acp.CancelNotification) error
}
