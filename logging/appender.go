package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultTimeFormatStr is the default time format string for log appenders.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// Appender is an output for log entries. This is a subset of the `zapcore.Core` interface, so any
// zap core (e.g. an observer in tests) can be used as an appender.
type Appender interface {
	// Write submits a structured log entry to the appender for logging.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync is for signaling that any buffered logs to `Write` should be flushed. E.g: at shutdown.
	Sync() error
}

// ConsoleAppender will create human readable tab-delimited log lines.
type ConsoleAppender struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewStdoutAppender creates a new appender that outputs to stdout.
func NewStdoutAppender() *ConsoleAppender {
	return &ConsoleAppender{writer: os.Stdout}
}

// NewWriterAppender creates a new appender that outputs to the input writer.
func NewWriterAppender(writer io.Writer) *ConsoleAppender {
	return &ConsoleAppender{writer: writer}
}

// NewFileAppender creates an appender that writes to a size rotated log file. The file is rotated
// once it exceeds 100MB and the three most recent rotations are kept.
func NewFileAppender(filename string) (*ConsoleAppender, io.Closer) {
	logger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100,
		MaxBackups: 3,
		Compress:   true,
	}
	return NewWriterAppender(logger), logger
}

// Write outputs the log entry to the underlying stream.
func (appender *ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	line, err := formatEntry(entry, fields)
	if err != nil {
		return err
	}

	appender.mu.Lock()
	defer appender.mu.Unlock()
	_, err = fmt.Fprintln(appender.writer, line)
	return err
}

// Sync is a no-op for writers that do not buffer, and flushes files.
func (appender *ConsoleAppender) Sync() error {
	if syncer, ok := appender.writer.(interface{ Sync() error }); ok {
		appender.mu.Lock()
		defer appender.mu.Unlock()
		return syncer.Sync()
	}
	return nil
}

// formatEntry produces `<time>\t<LEVEL>\t<logger name>\t<caller>\t<message>\t<fields json>`. Empty
// logger names and callers are omitted, as are the fields when there are none.
func formatEntry(entry zapcore.Entry, fields []zapcore.Field) (string, error) {
	const maxLength = 10
	toPrint := make([]string, 0, maxLength)
	toPrint = append(toPrint, entry.Time.Format(DefaultTimeFormatStr))

	toPrint = append(toPrint, strings.ToUpper(entry.Level.String()))
	if entry.LoggerName != "" {
		toPrint = append(toPrint, entry.LoggerName)
	}
	if entry.Caller.Defined {
		toPrint = append(toPrint, callerToString(&entry.Caller))
	}
	toPrint = append(toPrint, entry.Message)
	if len(fields) == 0 {
		return strings.Join(toPrint, "\t"), nil
	}

	// Use zap's json encoder which will encode our slice of fields in-order. As opposed to the
	// random iteration order of a map. Call it with an empty Entry object such that only the fields
	// become "map-ified".
	jsonEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
	buf, err := jsonEncoder.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return strings.Join(toPrint, "\t"), err
	}
	toPrint = append(toPrint, string(buf.Bytes()))
	return strings.Join(toPrint, "\t"), nil
}

// callerToString renders a caller as "<package dir>/<file>:<line>".
func callerToString(caller *zapcore.EntryCaller) string {
	return caller.TrimmedPath()
}
