package build

import (
	"github.com/sirupsen/logrus"

	"github.com/snlabs/snpay/build/snlog"
)

// subsystemLoggers holds every logger handed out by AddSubLogger, keyed by
// subsystem tag, so log levels and outputs can be adjusted globally
var subsystemLoggers = map[string]*snlog.Logger{}

// AddSubLogger creates a new logger that tags every entry with the given
// subsystem. Packages call this once, at init time.
func AddSubLogger(subsystem string) *snlog.Logger {
	logger := snlog.New(subsystem)
	subsystemLoggers[subsystem] = logger
	return logger
}

// SetLogLevels sets the log level of every registered subsystem logger
func SetLogLevels(level logrus.Level) {
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}

// SetLogFile makes every registered subsystem logger write to the given
// file, in addition to stdout
func SetLogFile(file string) error {
	for _, logger := range subsystemLoggers {
		if err := logger.SetLogFile(file); err != nil {
			return err
		}
	}
	return nil
}

// ToLogLevel converts a string to a logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	return snlog.ToLogLevel(s)
}
