// Package broadcast defines the shared domain model of the engine: jobs,
// recipients, templates, job status, template modes, the stop token used for
// cooperative cancellation and the error taxonomy.
//
// # Concepts
//
// A Job is one broadcast execution: a set of recipients reached through one
// messaging account with a set of templates. Jobs are created pending by an
// external API layer and driven to a terminal status (completed, failed or
// paused) exactly once by the job controller.
//
// # Log lines
//
// A job log is an append-only sequence of "[HH:MM:SS] message" strings. Use
// LogLine to format entries so all writers agree on the shape.
package broadcast
