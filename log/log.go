package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Verbose controls whether debug messages are being printed.
var Verbose bool

// IndentationLevel controls the amount of indentation of log messages.
var IndentationLevel = 0

var errorOccured = false

var logger = newLogger(os.Stderr)

type consoleFormatter struct{}

// Format renders entries the way edaflow always printed them: indented, with a colored prefix
// for everything but plain messages.
func (consoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	prefix := ""
	switch entry.Level {
	case logrus.DebugLevel:
		prefix = "\033[36mDebug: \033[0m"
	case logrus.WarnLevel:
		prefix = "\033[33mWarning: \033[0m"
	case logrus.ErrorLevel, logrus.FatalLevel:
		prefix = "\033[31mError: \033[0m"
	case logrus.InfoLevel:
		if _, ok := entry.Data["success"]; ok {
			prefix = "\033[32mSuccess: \033[0m"
		}
	}
	indent := 0
	if v, ok := entry.Data["indent"].(int); ok {
		indent = v
	}
	return []byte(strings.Repeat("  ", indent) + prefix + entry.Message), nil
}

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(consoleFormatter{})
	l.SetLevel(logrus.DebugLevel)
	return l
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Writer returns the writer log messages are sent to.
func Writer() io.Writer {
	return logger.Out
}

// ErrorOccured reports whether any errors have occured.
func ErrorOccured() bool {
	return errorOccured
}

func entry() *logrus.Entry {
	return logger.WithField("indent", IndentationLevel)
}

// Log prints an indented and formatted message to os.Stderr.
func Log(format string, a ...interface{}) {
	entry().Info(fmt.Sprintf(format, a...))
}

// Debug prints an indented and formatted debug message if verbose output is selected.
func Debug(format string, a ...interface{}) {
	if Verbose {
		entry().Debug(fmt.Sprintf(format, a...))
	}
}

// Success prints an indented and formatted success message.
func Success(format string, a ...interface{}) {
	entry().WithField("success", true).Info(fmt.Sprintf(format, a...))
}

// Warning prints an indented and formatted warning.
func Warning(format string, a ...interface{}) {
	entry().Warn(fmt.Sprintf(format, a...))
}

// Error prints an indented and formatted error message.
func Error(format string, a ...interface{}) {
	errorOccured = true
	entry().Error(fmt.Sprintf(format, a...))
}

// Fatal prints an indented and formatted error message and terminates the program.
func Fatal(format string, a ...interface{}) {
	Error(format, a...)
	fmt.Fprintf(logger.Out, "\033[31mA fatal error occured. Exiting...\033[0m\n")
	os.Exit(1)
}
