package gocbnet

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel specifies the severity of a log message.
type LogLevel int

// Various logging levels (or subsystems) which can categorize the message.
// Currently these are ordered in decreasing severity.
const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
	LogTrace
	LogSched
	LogMaxVerbosity
)

// LogRedactLevel specifies the degree with which to redact the logs.
type LogRedactLevel int

const (
	// RedactNone indicates to perform no redactions
	RedactNone LogRedactLevel = iota

	// RedactPartial indicates to redact all possible user-identifying information from logs.
	RedactPartial

	// RedactFull indicates to fully redact all possible identifying information from logs.
	RedactFull
)

// SetLogRedactionLevel specifies the level with which logs should be redacted.
func SetLogRedactionLevel(level LogRedactLevel) {
	globalLogRedactionLevel.Store(int32(level))
}

func isLogRedactionLevelNone() bool {
	return LogRedactLevel(globalLogRedactionLevel.Load()) == RedactNone
}

func isLogRedactionLevelFull() bool {
	return LogRedactLevel(globalLogRedactionLevel.Load()) == RedactFull
}

func logLevelToString(level LogLevel) string {
	switch level {
	case LogError:
		return "error"
	case LogWarn:
		return "warn"
	case LogInfo:
		return "info"
	case LogDebug:
		return "debug"
	case LogTrace:
		return "trace"
	case LogSched:
		return "sched"
	}

	return fmt.Sprintf("unknown (%d)", level)
}

// Logger defines a logging interface. You can either use one of the default loggers
// (DefaultStdioLogger(), VerboseStdioLogger()) or implement your own.
type Logger interface {
	// Outputs logging information:
	// level is the verbosity level
	// offset is the position within the calling stack from which the message
	// originated. This is useful for contextual loggers which retrieve file/line
	// information.
	Log(level LogLevel, offset int, format string, v ...interface{}) error
}

type defaultLogger struct {
	Level    LogLevel
	GoLogger *log.Logger
}

func (l *defaultLogger) Log(level LogLevel, offset int, format string, v ...interface{}) error {
	if level > l.Level {
		return nil
	}
	s := fmt.Sprintf(format, v...)
	return l.GoLogger.Output(offset+1, s)
}

var (
	globalDefaultLogger = defaultLogger{
		GoLogger: log.New(os.Stderr, "GOCBNET: ", log.Lmicroseconds|log.Lshortfile), Level: LogDebug,
	}

	globalVerboseLogger = defaultLogger{
		GoLogger: globalDefaultLogger.GoLogger, Level: LogMaxVerbosity,
	}

	globalLogger            Logger
	globalLogRedactionLevel atomic.Int32
)

// DefaultStdioLogger gets the default standard I/O logger.
//
//	gocbnet.SetLogger(gocbnet.DefaultStdioLogger())
//
// enables logging to standard error.
func DefaultStdioLogger() Logger {
	return &globalDefaultLogger
}

// VerboseStdioLogger is a more verbose level of DefaultStdioLogger(). Messages
// pertaining to the scheduling of ordinary commands (and their responses) will
// also be emitted.
//
//	gocbnet.SetLogger(gocbnet.VerboseStdioLogger())
func VerboseStdioLogger() Logger {
	return &globalVerboseLogger
}

// NewLevelLogger returns a standard logger writing messages at or above the given level.
func NewLevelLogger(level LogLevel) Logger {
	return &defaultLogger{
		GoLogger: globalDefaultLogger.GoLogger,
		Level:    level,
	}
}

// ParseLogLevel converts a level name such as "debug" into a LogLevel.
func ParseLogLevel(name string) (LogLevel, error) {
	for level := LogError; level < LogMaxVerbosity; level++ {
		if strings.EqualFold(logLevelToString(level), name) {
			return level, nil
		}
	}
	return LogError, wrapError(ErrInvalidArgument, "unknown log level "+name)
}

// SetLogger sets a logger to be used by the library. A logger can be obtained via
// the DefaultStdioLogger() or VerboseStdioLogger() functions. You can also implement
// your own logger using the Logger interface.
func SetLogger(logger Logger) {
	globalLogger = logger
}

func logExf(level LogLevel, offset int, format string, v ...interface{}) {
	if globalLogger != nil {
		err := globalLogger.Log(level, offset+1, format, v...)
		if err != nil {
			log.Printf("Logger error occurred (%s)\n", err)
		}
	}
}

func logDebugf(format string, v ...interface{}) {
	logExf(LogDebug, 1, format, v...)
}

func logSchedf(format string, v ...interface{}) {
	logExf(LogSched, 1, format, v...)
}

func logWarnf(format string, v ...interface{}) {
	logExf(LogWarn, 1, format, v...)
}

func logErrorf(format string, v ...interface{}) {
	logExf(LogError, 1, format, v...)
}

func logInfof(format string, v ...interface{}) {
	logExf(LogInfo, 1, format, v...)
}

func reindentLog(indent, message string) string {
	reindentedMessage := strings.Replace(message, "\n", "\n"+indent, -1)
	return fmt.Sprintf("%s%s", indent, reindentedMessage)
}

func redactUserData(v interface{}) string {
	return fmt.Sprintf("<ud>%v</ud>", v)
}

func redactMetaData(v interface{}) string {
	return fmt.Sprintf("<md>%v</md>", v)
}

func redactSystemData(v interface{}) string {
	return fmt.Sprintf("<sd>%v</sd>", v)
}

// redactUserDataIfEnabled only tags user data when a redaction level is active,
// so that untagged logs remain readable by default.
func redactUserDataIfEnabled(v interface{}) string {
	if isLogRedactionLevelNone() {
		return fmt.Sprintf("%v", v)
	}
	return redactUserData(v)
}
