// Package trace captures every DDC/CI frame a backend sends or receives.
//
// It is separate from operational logging: a trace is a complete machine-readable
// record of bus traffic, useful when a display ignores commands.
//
//	// console, via zerolog at debug level
//	tracer := trace.NewTracer(trace.NewZerologAdapter(logger))
//
//	// binary file, read back with `monctl --dump-trace`
//	fl, _ := trace.NewFileLogger("/tmp/monctl.trace")
//	tracer := trace.NewTracer(trace.NewMultiLogger(trace.NewZerologAdapter(logger), fl))
//
// Trace files are a stream of CBOR-encoded events.
package trace
