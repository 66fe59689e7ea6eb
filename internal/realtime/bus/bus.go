package bus

import (
	"context"

	"github.com/yungbote/agentflow/internal/realtime"
)

// Bus fans signals out to every orchestrator instance. A nil Bus is valid:
// single-instance deployments run on local nudges and ticks alone.
type Bus interface {
	Publish(ctx context.Context, sig realtime.Signal) error
	StartForwarder(ctx context.Context, onSignal func(sig realtime.Signal)) error
	Close() error
}
