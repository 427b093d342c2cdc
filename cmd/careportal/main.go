// Package main is the entry point for the care portal server. The serve
// command wires all dependencies together and starts the HTTP server; the
// validate command checks definitions, catalog and policy without serving.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/careportal/internal/config"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the CLI. Flags may also be given as CAREPORTAL_*
// environment variables, e.g. CAREPORTAL_CONFIG or CAREPORTAL_LOG_LEVEL.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CAREPORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "careportal",
		Short:         "Step-by-step workflows for the patient, provider and admin portal",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	root.PersistentFlags().String("config", "config.yaml", "path to configuration file")
	root.PersistentFlags().String("log-level", "", "override observability.log_level")

	root.AddCommand(newServeCmd(v), newValidateCmd(v))
	return root
}

// loadConfig reads the file named by the config flag and applies flag
// overrides on top of the file and its environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := v.GetString("log-level"); lvl != "" {
		cfg.Observability.LogLevel = lvl
	}
	if v.IsSet("port") {
		cfg.Server.Port = v.GetInt("port")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}
