// Package logging provides structured logging for docmesh server processes.
//
// This package wraps Go's log/slog to provide JSON (or human-readable text)
// logs with persistent context attributes. In a horizontally scaled
// deployment every process logs the same document names, so each entry
// carries the instance identity and, where relevant, the document name and
// the emitting component.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(logging.Options{Level: "info", Format: "auto"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithInstance("host-1").WithComponent("lease")
//	log.WithDocument("doc1").Info("lease acquired", "wait_ms", 12)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"lease acquired","instance_id":"host-1","component":"lease","document":"doc1","wait_ms":12}
//
// # Formats
//
//   - "json": slog JSON handler (default for files and pipes)
//   - "text": slog text handler
//   - "auto": text when writing to a terminal, JSON otherwise
//
// # Dynamic Level
//
// The level is held in a [slog.LevelVar] shared by every child logger, so
// [Logger.SetLevel] takes effect immediately across the process. The serve
// command uses this to apply config file edits without a restart.
//
// # Testing
//
// Use [NopLogger] to discard all log output, or [NewWriterLogger] to capture
// JSON entries into a buffer.
package logging
