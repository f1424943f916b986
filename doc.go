// Package workflowgo is a reactive task-graph runtime with a durable job
// queue substrate.
//
// The graph package holds the core model: typed Tasks with declared input
// and output ports, Dataflows carrying values (or streams) between ports,
// and a TaskGraph that enforces acyclicity and exposes adjacency. A Runner
// executes the graph with dependency-gated parallelism, per-port stream
// propagation, cancellation with a bounded grace period, array fan-out for
// replicated inputs, output caching by input fingerprint, and optional
// delegation of task execution to the job queue. A ReactiveRunner refreshes
// completed tasks cheaply when upstream values change.
//
// The jobqueue package runs durable work: a Server claims jobs from a
// JobStore under rate and concurrency limits, dispatches them to handlers,
// retries failures with exponential backoff and jitter, and observes abort
// requests; a Client enqueues jobs, waits for outcomes and aborts them.
//
// Persistence contracts live in store, with in-memory, file, SQLite,
// PostgreSQL and Redis backends. Checkpoints snapshot graph, task and
// dataflow state as compressed blobs for later resumption.
//
// The workflow package is the builder façade: construct tasks from a
// registry, connect ports, subscribe to one consolidated event stream, and
// Run.
package workflowgo
