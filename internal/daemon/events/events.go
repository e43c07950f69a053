// Package events defines the daemon's outbound event vocabulary and
// the emitter contract components publish through. The concrete
// emitter is the webhook dispatcher; components never block on it.
package events

// Type is one of the closed set of webhook event names.
type Type string

const (
	ServiceClaim    Type = "service.claim"
	ServiceRelease  Type = "service.release"
	AgentRegister   Type = "agent.register"
	AgentUnregister Type = "agent.unregister"
	AgentStale      Type = "agent.stale"
	LockAcquire     Type = "lock.acquire"
	LockRelease     Type = "lock.release"
	MessagePublish  Type = "message.publish"
	DaemonStart     Type = "daemon.start"
	DaemonStop      Type = "daemon.stop"
)

// All lists every valid event type.
var All = []Type{
	ServiceClaim, ServiceRelease,
	AgentRegister, AgentUnregister, AgentStale,
	LockAcquire, LockRelease,
	MessagePublish,
	DaemonStart, DaemonStop,
}

// Valid reports whether s names a known event type.
func Valid(s string) bool {
	for _, t := range All {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Emitter fans an event out to interested webhook subscriptions.
// targetID scopes subscriptions with a filter pattern; it may be "".
// Implementations must return promptly; delivery is asynchronous.
type Emitter interface {
	Emit(event Type, payload map[string]interface{}, targetID string)
}

// Discard is an Emitter that drops every event (tests, bootstrap).
type Discard struct{}

func (Discard) Emit(Type, map[string]interface{}, string) {}
