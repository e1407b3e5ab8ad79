// Package pipeline runs voice activity detection over one audio source.
//
// A run owns a single arena sized up front. Setup opens the backend,
// resolves the tensor layout and carves every buffer out of the arena
// before the source is opened. The loop then repeats
//
//	refill → normalize → assemble and infer → segment → coalesce and emit
//
// until the stream reports a terminal code, force-closes an open speech
// run, flushes the buffered segment and reports statistics.
//
// Failures are reported as an *Error carrying a Code. End of file and
// stream read errors are not failures: the run stops, flushes and returns
// nil. Backend failures abort without flushing.
//
// Example:
//
//	opts := pipeline.DefaultOptions()
//	opts.Source = pipeline.Source{Reader: os.Stdin}
//	opts.Output = os.Stdout
//	summary, err := pipeline.Run(ctx, opts)
//	os.Exit(pipeline.CodeOf(err).ExitStatus())
package pipeline
