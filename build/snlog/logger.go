// Package snlog wraps logrus with per-subsystem loggers and a compact
// console format.
package snlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Logger is a logrus logger tagged with the subsystem it logs for
type Logger struct {
	*logrus.Logger
	Subsystem string
}

// Formatter renders entries as
// `2006-01-02 15:04:05.000 [INFO] SUBS: message [field:value]`
type Formatter struct {
	TimestampFormat string
	DisableColors   bool
	Subsystem       string
}

func (l Logger) getFormatter() *Formatter {
	return &Formatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		Subsystem:       l.Subsystem,
	}
}

// New creates a logger for the given subsystem. Level filtering is done
// globally through build.SetLogLevels, the logger itself passes
// everything.
func New(subsystem string) *Logger {
	logger := &Logger{logrus.New(), subsystem}
	logger.SetLevel(logrus.TraceLevel)
	logger.SetFormatter(logger.getFormatter())
	return logger
}

// DisableColors forces logrus to log without colors
func (l Logger) DisableColors() {
	formatter := l.getFormatter()
	formatter.DisableColors = true
	l.SetFormatter(formatter)
}

// SetLogFile tees the log output into the given file
func (l Logger) SetLogFile(file string) error {
	logFile, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return errors.Wrap(err, "could not open logfile")
	}
	l.SetOutput(io.MultiWriter(os.Stdout, logFile))
	return nil
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal", "panic":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

// GinLoggingMiddleWare returns a middleware that logs incoming requests
// with logrus. Request bodies are never logged, they carry payment
// requests and action arguments.
func GinLoggingMiddleWare(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		withFields := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user-agent": c.Request.UserAgent(),
		})
		if query := c.Request.URL.Query(); len(query) > 0 {
			withFields = withFields.WithField("query", query)
		}

		c.Next()

		// errors attached by the handlers, grouped the way the error
		// middleware treats them
		if privateErrors := c.Errors.ByType(gin.ErrorTypePrivate); len(privateErrors) > 0 {
			withFields = withFields.WithField("privateErrors", privateErrors)
		}
		if publicErrors := c.Errors.ByType(gin.ErrorTypePublic); len(publicErrors) > 0 {
			withFields = withFields.WithField("publicErrors", publicErrors)
		}
		if bindingErrors := c.Errors.ByType(gin.ErrorTypeBind); len(bindingErrors) > 0 {
			withFields = withFields.WithField("bindingErrors", bindingErrors)
		}

		status := c.Writer.Status()
		withFields = withFields.
			WithField("status", status).
			WithField("latency", time.Since(start))

		requestLevel := logger.Level
		if status >= 300 {
			requestLevel = logrus.ErrorLevel
		}
		withFields.Logf(requestLevel, "HTTP %s %s: %d", c.Request.Method, path, status)
	}
}

// Format formats a log entry
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	timestampFormat := f.TimestampFormat
	if timestampFormat == "" {
		timestampFormat = "2006-01-02 15:04:05.000"
	}
	b.WriteString(entry.Time.Format(timestampFormat))

	level := strings.ToUpper(entry.Level.String())
	levelColor := getColorByLevel(entry.Level)
	f.colored(b, levelColor, fmt.Sprintf(" [%s]", level[:4]))

	fmt.Fprintf(b, " %s: ", f.Subsystem)
	b.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		b.WriteString("\t\t")
		fields := make([]string, 0, len(entry.Data))
		for field := range entry.Data {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		var rendered strings.Builder
		for _, field := range fields {
			fmt.Fprintf(&rendered, "[%v:%v] ", field, entry.Data[field])
		}
		f.colored(b, levelColor, rendered.String())
	}
	b.WriteByte('\n')

	return b.Bytes(), nil
}

// colored writes s wrapped in the given ANSI color unless colors are off
func (f *Formatter) colored(b *bytes.Buffer, color int, s string) {
	if f.DisableColors {
		b.WriteString(s)
		return
	}
	fmt.Fprintf(b, "\x1b[%dm%s\x1b[0m", color, s)
}

const (
	colorGray   = 37
	colorYellow = 33
	colorRed    = 31
	colorBlue   = 36
)

func getColorByLevel(level logrus.Level) int {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return colorGray
	case logrus.WarnLevel:
		return colorYellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return colorRed
	default:
		return colorBlue
	}
}
