// Package mainboilerplate collects the small pieces of setup every
// Kimberlite binary repeats: structured logging configuration, flag
// parsing, and a terse fatal-on-error helper, so cmd/ packages stay
// focused on the commands themselves.
package mainboilerplate

import (
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// LogConfig configures logrus's global logger from CLI flags or
// environment variables (go-flags' `env-namespace` wiring).
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" description:"Logging level: debug, info, warn, error"`
	Format string `long:"format" env:"FORMAT" default:"text" description:"Logging format: text, json"`
}

// Apply installs cfg's level and formatter onto logrus's standard logger.
func (cfg LogConfig) Apply() {
	var level, err = log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{})
	}
}

// Must logs a fatal message and exits the process if err is non-nil. It
// exists so command wiring (AddCommand calls, flag registration) reads as
// a flat sequence of "do this or die" statements.
func Must(err error, message string, args ...interface{}) {
	if err == nil {
		return
	}
	var fields = log.Fields{"error": err}
	log.WithFields(fields).Fatalf(message, args...)
}

// MustParseArgs parses os.Args with parser, letting go-flags print its own
// usage message, and exits on failure with the CLI exit-code convention
// cmd/kimberlite-vopr uses: 0 if --help was requested (flags.ErrHelp), 2
// for any other go-flags parse or usage error (invalid input), and 3 for
// an error returned from a command's own Execute (internal error).
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(2)
		}
		os.Exit(3)
	}
}
