package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

// Levels are the log levels accepted by level options.
var Levels = []zapcore.Level{
	zapcore.DebugLevel,
	zapcore.InfoLevel,
	zapcore.WarnLevel,
	zapcore.ErrorLevel,
}

// ParseLevel parses one of Levels by name, ignoring case.
func ParseLevel(s string) (zapcore.Level, error) {
	for _, l := range Levels {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	names := make([]string, len(Levels))
	for i, l := range Levels {
		names[i] = l.String()
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q, want one of %s", s, strings.Join(names, ", "))
}

// levelFlag is a pflag.Value writing through to a zapcore.Level.
type levelFlag struct {
	p *zapcore.Level
}

func (f levelFlag) String() string {
	if f.p == nil {
		return ""
	}
	return f.p.String()
}

func (f levelFlag) Set(s string) error {
	l, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*f.p = l
	return nil
}

func (levelFlag) Type() string { return "level" }

// levelVarP defines a level flag storing into p, starting at value.
func levelVarP(fs *pflag.FlagSet, p *zapcore.Level, name, shorthand string, value zapcore.Level, usage string) {
	*p = value
	fs.VarP(levelFlag{p: p}, name, shorthand, usage)
}
