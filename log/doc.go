// Package log provides the leveled logging facade for TaskWeave.
//
// The engine never logs through the standard library directly; every
// component (scheduler, task runner, caches, job queue workers) takes a
// Logger so callers can route diagnostics wherever they like. The
// package default is backed by github.com/kataras/golog.
//
// # Log Levels
//
// Five levels in increasing severity:
//
//   - LogLevelDebug: detailed tracing for development
//   - LogLevelInfo: routine progress messages
//   - LogLevelWarn: recoverable problems
//   - LogLevelError: failures that need attention
//   - LogLevelNone: disables all output
//
// # Example Usage
//
//	log.SetLogLevel(log.LogLevelDebug)
//	log.Info("scheduler starting: %d tasks", n)
//
// A pre-configured golog instance can be adopted directly:
//
//	glogger := golog.New()
//	glogger.SetPrefix("[myapp] ")
//	log.SetDefaultLogger(log.NewGologLogger(glogger))
//
// NewWriterLogger routes output to an arbitrary io.Writer when golog is
// unwanted, and NopLogger silences a single component.
package log
