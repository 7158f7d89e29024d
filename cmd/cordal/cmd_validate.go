package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/qbloq/cordal/core"
)

// validateCmd is the cobra CLI command for the validate subcommand
func validateCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without starting the service",
		Run:   cmdValidate,
	}
	return c
}

// cmdValidate loads the definitions from the config directories and
// runs the dependency-graph checks, printing the report.
func cmdValidate(*cobra.Command, []string) {
	setup(cpath)
	ctx := context.Background()

	loader := core.NewFileLoader(conf.ConfigDirs, conf.Patterns.Globs(), log)
	defs, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("%s", err)
	}

	report := core.NewValidator(nil, log).Validate(ctx, defs)
	for _, msg := range report.Successes {
		log.Infof("ok: %s", msg)
	}
	for _, msg := range report.Warnings {
		log.Warnf("%s", msg)
	}
	for _, msg := range report.Errors {
		log.Errorf("%s", msg)
	}

	if !report.Valid() {
		log.Fatalf("configuration invalid: %d error(s)", len(report.Errors))
	}
	log.Infof("configuration valid: %d databases, %d queries, %d endpoints",
		len(defs.Databases), len(defs.Queries), len(defs.Endpoints))
}
