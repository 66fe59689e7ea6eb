package realtime

// Signal kinds fanned out between orchestrator instances. The database is
// the source of truth; signals only shorten the latency until the next tick
// picks the work up.
const (
	SignalDispatch = "dispatch"
	SignalEvent    = "event"
)

// Signal is one cross-instance nudge. Topic is set for SignalEvent so
// stream pollers can shortcut their next poll.
type Signal struct {
	Kind  string `json:"kind"`
	Topic string `json:"topic,omitempty"`
}
