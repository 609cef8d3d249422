package util

import (
	"log/syslog"

	mozlog "github.com/mozilla-services/go-mozlogrus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Log formats understood by NewLogger.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatMozLog = "mozlog"
)

// LogConfig selects how a command logs.
type LogConfig struct {
	// Name is the logger name reported by the mozlog formatter and the
	// syslog tag.
	Name   string
	Level  string
	Format string
	// SyslogAddr, when set, adds a UDP syslog hook.
	SyslogAddr string
}

// NewLogger builds a logger from conf.
func NewLogger(conf LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	if conf.Level != "" {
		level, err := logrus.ParseLevel(conf.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", conf.Level)
		}
		logger.SetLevel(level)
	}

	switch conf.Format {
	case "", FormatText:
	case FormatJSON:
		logger.Formatter = &logrus.JSONFormatter{}
	case FormatMozLog:
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: conf.Name,
		}
	default:
		return nil, errors.Errorf("unknown log format %q", conf.Format)
	}

	if conf.SyslogAddr != "" {
		hook, err := lSyslog.NewSyslogHook("udp", conf.SyslogAddr, syslog.LOG_DEBUG, conf.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "could not connect to syslog at %s", conf.SyslogAddr)
		}
		logger.Hooks.Add(hook)
	}
	return logger, nil
}
