// Package logx is the engine's logging layer on top of zerolog.
//
// A Logger is a small value that can be copied freely and extended with
// With. Loggers handed out by a Service follow Service.Apply, so a config
// reload changes level and sinks for every component at once.
//
// Sinks: stdout (console or JSON), an optional JSON file, and an optional
// AlertSink that receives rate-limited plain-text copies of high-severity
// records (the daemon points it at the operator chat).
package logx
