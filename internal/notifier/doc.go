// Package notifier delivers short operator messages about the engine.
//
// The service listens for finished broadcasts on the event bus and receives
// log alerts through logx.AlertSink. Messages are queued, deduplicated over a
// short window and rate limited before reaching a Sender. Delivery is best
// effort: a full queue drops the message and a failed send is retried a
// bounded number of times.
//
// # Transport
//
// Telegram is the only Sender shipped. Anything implementing Sender can be
// plugged in, which is how the tests observe deliveries.
package notifier
