package config

import "fmt"

// LogLevel is the klog setup selected by the config file's log key.
type LogLevel struct {
	Name string
	// Verbosity is the klog -v value.
	Verbosity int
	// Threshold is the lowest severity written, as klog's
	// -stderrthreshold spells it. Empty means everything.
	Threshold string
}

var logLevels = map[string]LogLevel{
	"trace":   {Name: "trace", Verbosity: 5},
	"debug":   {Name: "debug", Verbosity: 2},
	"info":    {Name: "info"},
	"warn":    {Name: "warn", Threshold: "WARNING"},
	"error":   {Name: "error", Threshold: "ERROR"},
	"disable": {Name: "disable", Threshold: "FATAL"},
}

// ParseLogLevel maps a level name to klog settings. The empty string
// means info.
func ParseLogLevel(s string) (LogLevel, error) {
	if s == "" {
		s = "info"
	}
	level, ok := logLevels[s]
	if !ok {
		return LogLevel{}, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
