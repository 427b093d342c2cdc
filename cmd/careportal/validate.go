package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/careportal/internal/capability"
	"github.com/pitabwire/careportal/internal/catalog"
	"github.com/pitabwire/careportal/internal/config"
	"github.com/pitabwire/careportal/internal/definition"
	"github.com/pitabwire/careportal/model"
)

func newValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check workflow definitions, catalog and capability policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			var kinds []string
			if cfg.Catalog.Driver == config.DriverMemory {
				cat, err := catalog.LoadMemoryCatalog(cfg.Catalog.Directory)
				if err != nil {
					return err
				}
				kinds = cat.Kinds()
			}

			defs, verrs, err := loadDefinitions(cfg, kinds)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ve := range verrs {
				fmt.Fprintln(out, ve.Error())
			}
			if len(verrs) > 0 {
				return fmt.Errorf("%d definition errors", len(verrs))
			}

			if _, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile); err != nil {
				return err
			}

			workflows := 0
			for _, d := range defs {
				workflows += len(d.Workflows)
			}
			fmt.Fprintf(out, "ok: %d definition files, %d workflows\n", len(defs), workflows)
			return nil
		},
	}
}

// loadDefinitions loads every definition directory and validates the result.
// kinds may be nil to skip catalog reference checks.
func loadDefinitions(cfg *config.Config, kinds []string) ([]model.DomainDefinition, []definition.VError, error) {
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		return nil, nil, err
	}
	return defs, definition.NewValidator().Validate(defs, kinds), nil
}
