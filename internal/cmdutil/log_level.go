package cmdutil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log/level"
)

// DefaultLogLevel is used when no level is set.
const DefaultLogLevel = "info"

var levelFilters = map[string]level.Option{
	"error": level.AllowError(),
	"warn":  level.AllowWarn(),
	"info":  level.AllowInfo(),
	"debug": level.AllowDebug(),
}

// LogLevel is a flag.Value naming the lowest level of logs to keep. The zero
// value is DefaultLogLevel.
type LogLevel struct {
	name string
}

// String implements flag.Value.
func (ll LogLevel) String() string {
	if ll.name == "" {
		return DefaultLogLevel
	}
	return ll.name
}

// Set implements flag.Value. Names are case-insensitive.
func (ll *LogLevel) Set(in string) error {
	name := strings.ToLower(in)
	if _, ok := levelFilters[name]; !ok {
		return fmt.Errorf("unknown log level %q: must be one of %s", in, strings.Join(knownNames(levelFilters), ", "))
	}
	ll.name = name
	return nil
}

// FilterOption returns the option passed to level.NewFilter for ll.
func (ll LogLevel) FilterOption() level.Option {
	return levelFilters[ll.String()]
}

func knownNames(m map[string]level.Option) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
