// Package notifications carries scan lifecycle events to outside listeners.
// WebSocket clients, webhook channels, and the Kafka producer all consume
// the same event names.
package notifications

const (
	EventScanStart    = "scan:start"
	EventScanProgress = "scan:progress"
	EventScanComplete = "scan:complete"
	EventScanAborted  = "scan:aborted"
	EventDetectionNew = "detection:new"
	EventReset        = "reset"
)

// Notifier fans an event out to connected listeners. Implementations must
// not block the caller; the scan loop fires these between frames.
type Notifier interface {
	Broadcast(event string, data interface{})
}

// NopNotifier drops every event. Used when no listener surface is wired.
type NopNotifier struct{}

func (NopNotifier) Broadcast(string, interface{}) {}
