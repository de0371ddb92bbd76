package util

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SetupLogging configures the process-wide logrus logger.
// Level "off" (or an empty string) discards all output.
func SetupLogging(level string, w io.Writer) error {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" || level == "off" {
		log.SetOutput(io.Discard)
		log.SetLevel(log.PanicLevel)
		return nil
	}

	var lvl log.Level
	switch level {
	case "trace":
		lvl = log.TraceLevel
	case "debug":
		lvl = log.DebugLevel
	case "info":
		lvl = log.InfoLevel
	case "warn", "warning":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	log.SetOutput(w)
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return nil
}
