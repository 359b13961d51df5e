package cmdutil

import (
	"flag"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogFormat is a flag.Value selecting how log lines are encoded: "logfmt"
// (the default) or "json".
type LogFormat string

// String implements flag.Value.
func (lf LogFormat) String() string {
	if lf == "" {
		return "logfmt"
	}
	return string(lf)
}

// Set implements flag.Value.
func (lf *LogFormat) Set(in string) error {
	switch in {
	case "logfmt", "json":
		*lf = LogFormat(in)
		return nil
	default:
		return fmt.Errorf("unknown log format %q: must be logfmt or json", in)
	}
}

// LogFlags holds the logging flags shared by hostfs commands.
type LogFlags struct {
	Level  LogLevel
	Format LogFormat
}

// RegisterFlags registers -log.level and -log.format with fs.
func (lf *LogFlags) RegisterFlags(fs *flag.FlagSet) {
	fs.Var(&lf.Level, "log.level", "Level to display logs at (error, warn, info, debug)")
	fs.Var(&lf.Format, "log.format", "Format of log lines (logfmt, json)")
}

// Logger returns a logger writing to w which filters out logs below the
// configured level.
func (lf LogFlags) Logger(w io.Writer) log.Logger {
	var l log.Logger
	if lf.Format == "json" {
		l = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		l = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	l = level.NewFilter(l, lf.Level.FilterOption())
	return log.With(l, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller)
}
