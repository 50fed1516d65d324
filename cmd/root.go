// Package cmd holds the cubeingest command line.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix prefixes the environment variables read for every flag.
const envPrefix = "CUBEINGEST"

// NewRootCommand returns the cubeingest command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	env := &Env{Stdin: stdin, Stdout: stdout, Stderr: stderr}
	rc := &cobra.Command{
		Use:   "cubeingest",
		Short: "Ingest datasets into chunked, indexed storage units.",
		Long: `cubeingest tiles the datasets of a source product onto the storage grid of
an output product, writes every tile as compressed chunks and indexes the
resulting datasets and chunks.

Every flag can also be set from the environment (CUBEINGEST_ followed by the
flag name in upper case with dashes as underscores) or from a YAML settings
file given with --settings.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setAllConfig(viper.New(), cmd.Flags())
		},
	}
	env.bindFlags(rc.PersistentFlags())

	rc.AddCommand(newIngestCommand(env))
	rc.AddCommand(newWorkerCommand(env))
	rc.AddCommand(newLookupCommand(env))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig treats flags as the definition of every option and its
// default. Values come from, in priority order, the command line, the
// environment and the settings file named by the "settings" flag.
//
// Environment variables are the flag names in upper case with dashes
// replaced by underscores, prefixed with envPrefix and an underscore.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("settings"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading settings file '%s': %v", c, err)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return fmt.Errorf("invalid option in settings file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			// Flags set on the command line win.
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		flagErr = f.Value.Set(value)
	})
	return flagErr
}
