package internal

import (
	"fmt"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	Info LogLevel = iota
	Warning
	Error
	Debug
)

func (l LogLevel) String() string {
	switch l {
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// LogStruct represents a log entry with a level and message
type LogStruct struct {
	LogLevel LogLevel
	Message  string
}

// LogHandlerFunc defines the function signature for log handlers
type LogHandlerFunc func(sender interface{}, log LogStruct)

// LogHandler is the global event handler for logs. A nil handler drops every message.
var LogHandler LogHandlerFunc

// NewZerologHandler returns a LogHandlerFunc that forwards entries to logger.
// The sender becomes the "component" field.
func NewZerologHandler(logger zerolog.Logger) LogHandlerFunc {
	return func(sender interface{}, log LogStruct) {
		var event *zerolog.Event
		switch log.LogLevel {
		case Debug:
			event = logger.Debug()
		case Warning:
			event = logger.Warn()
		case Error:
			event = logger.Error()
		default:
			event = logger.Info()
		}
		if component := senderName(sender); component != "" {
			event = event.Str("component", component)
		}
		event.Msg(log.Message)
	}
}

func senderName(sender interface{}) string {
	switch s := sender.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%T", sender)
	}
}

func pushLog(sender interface{}, level LogLevel, message string) {
	if LogHandler != nil {
		LogHandler(sender, LogStruct{
			LogLevel: level,
			Message:  message,
		})
	}
}

// PushLogDebug sends a debug log message
func PushLogDebug(sender interface{}, message string) {
	pushLog(sender, Debug, message)
}

// PushLogInfo sends an info log message
func PushLogInfo(sender interface{}, message string) {
	pushLog(sender, Info, message)
}

// PushLogWarning sends a warning log message
func PushLogWarning(sender interface{}, message string) {
	pushLog(sender, Warning, message)
}

// PushLogError sends an error log message
func PushLogError(sender interface{}, message string) {
	pushLog(sender, Error, message)
}
