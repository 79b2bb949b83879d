package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option
type Opt struct {
	DestP interface{} // pointer to the destination

	Flag     string
	Short    rune // using rune b/c it guarantees correctness. a short must always be a string of length 1
	Default  interface{}
	Desc     string
	Required bool
	// Persistent options are inherited by every subcommand.
	Persistent bool
}

// Program parses CLI options
type Program struct {
	// Run is invoked by cobra on execute. A program without Run only
	// dispatches to its subcommands.
	Run func() error
	// Name is the name of the program in help usage and the env var prefix.
	Name string
	// Opts are the command line/env var options to the program
	Opts []Opt
}

// NewCommand creates a new cobra command to be executed that respects env vars.
//
// Uses the upper-case version of the program's name as a prefix
// to all environment variables.
//
// Options are also read from a config file: the file or directory named by
// the <NAME>_CONFIG_PATH env var, otherwise a config.{json,toml,yaml,yml}
// in the working directory. Flags take precedence over env vars, which take
// precedence over the config file.
func NewCommand(v *viper.Viper, p *Program) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:          p.Name,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
	}
	if p.Run != nil {
		cmd.RunE = func(_ *cobra.Command, _ []string) error {
			return p.Run()
		}
	}

	v.SetEnvPrefix(strings.ToUpper(p.Name))
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := initializeConfig(v, p.Name); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := BindOptions(v, cmd, p.Opts); err != nil {
		return nil, err
	}
	return cmd, nil
}

func initializeConfig(v *viper.Viper, name string) error {
	configPath := v.GetString("CONFIG_PATH")
	if configPath == "" {
		configPath = "."
	}

	v.SetConfigName("config")
	info, err := os.Stat(configPath)
	switch {
	case err != nil && os.IsNotExist(err):
		return fmt.Errorf("%s_CONFIG_PATH %q does not exist", strings.ToUpper(name), configPath)
	case err != nil:
		return err
	case info.IsDir():
		v.AddConfigPath(configPath)
	default:
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// BindOptions adds opts to the specified command and automatically
// registers those options with viper.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) error {
	for _, o := range opts {
		flags := cmd.Flags()
		if o.Persistent {
			flags = cmd.PersistentFlags()
		}

		var short string
		if o.Short != 0 {
			short = string(o.Short)
		}

		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			flags.StringVarP(destP, o.Flag, short, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetString(o.Flag)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			flags.IntVarP(destP, o.Flag, short, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetInt(o.Flag)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			flags.BoolVarP(destP, o.Flag, short, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetBool(o.Flag)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			flags.DurationVarP(destP, o.Flag, short, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetDuration(o.Flag)
		case *[]string:
			var d []string
			if o.Default != nil {
				d = o.Default.([]string)
			}
			flags.StringSliceVarP(destP, o.Flag, short, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			*destP = v.GetStringSlice(o.Flag)
		case *zapcore.Level:
			var d zapcore.Level
			if o.Default != nil {
				d = o.Default.(zapcore.Level)
			}
			levelVarP(flags, destP, o.Flag, short, d, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			if s := v.GetString(o.Flag); s != "" {
				l, err := ParseLevel(s)
				if err != nil {
					return fmt.Errorf("invalid %s: %w", o.Flag, err)
				}
				*destP = l
			}
		case pflag.Value:
			if o.Default != nil {
				if err := destP.Set(fmt.Sprint(o.Default)); err != nil {
					return err
				}
			}
			flags.VarP(destP, o.Flag, short, o.Desc)
			if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
				return err
			}
			if s := v.GetString(o.Flag); s != "" {
				if err := destP.Set(s); err != nil {
					return fmt.Errorf("invalid %s %q: %w", o.Flag, s, err)
				}
			}
		default:
			// if you get a panic here, sorry about that!
			// anyway, go ahead and make a PR and add another type.
			return fmt.Errorf("unknown destination type %T", o.DestP)
		}

		// a required option satisfied by env or config needs no flag
		if o.Required && !v.IsSet(o.Flag) {
			if o.Persistent {
				if err := cmd.MarkPersistentFlagRequired(o.Flag); err != nil {
					return err
				}
			} else if err := cmd.MarkFlagRequired(o.Flag); err != nil {
				return err
			}
		}
	}
	return nil
}
