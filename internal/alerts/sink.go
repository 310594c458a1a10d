// Package alerts delivers operator notifications. Sends are fire-and-forget;
// a failing sink logs locally and never propagates an error into the engine.
package alerts

// Sink receives operator-facing messages. Alert is for conditions needing
// attention, Notify for informational updates. Implementations must not
// block the caller and must swallow their own failures.
type Sink interface {
	Alert(text string)
	Notify(text string)
}

// Noop discards all messages. Used when no alert channel is configured.
type Noop struct{}

func (Noop) Alert(string)  {}
func (Noop) Notify(string) {}

var _ Sink = Noop{}
