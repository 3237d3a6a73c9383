package cli

import (
	"fmt"
	"io"
	"os"
)

// Logger writes prefixed status lines. The zero value logs to stdout, with
// errors going to stderr.
type Logger struct {
	Out io.Writer
	Err io.Writer
}

// Info prints an informational message.
func (l Logger) Info(msg string) {
	writeLog(l.stdout(), "[INFO]", msg)
}

// Warn prints a warning message.
func (l Logger) Warn(msg string) {
	writeLog(l.stdout(), "[WARN]", msg)
}

// Error prints an error message.
func (l Logger) Error(msg string) {
	writeLog(l.stderr(), "[ERROR]", msg)
}

// Success prints a success message.
func (l Logger) Success(msg string) {
	writeLog(l.stdout(), "[OK]", msg)
}

// Failure prints a failed-operation message.
func (l Logger) Failure(msg string) {
	writeLog(l.stdout(), "[FAIL]", msg)
}

func (l Logger) stdout() io.Writer {
	if l.Out != nil {
		return l.Out
	}
	return os.Stdout
}

func (l Logger) stderr() io.Writer {
	if l.Err != nil {
		return l.Err
	}
	return os.Stderr
}

func writeLog(w io.Writer, level, msg string) {
	outputMu.Lock()
	defer outputMu.Unlock()
	fmt.Fprintln(w, level, msg)
}
