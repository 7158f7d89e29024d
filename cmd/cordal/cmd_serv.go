package main

import (
	"github.com/spf13/cobra"

	"github.com/qbloq/cordal/serv"
)

// servCmd is the cobra CLI command for the serve subcommand
func servCmd() *cobra.Command {
	c := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"serv"},
		Short:   "Run the CORDAL service",
		Run:     cmdServ,
	}
	return c
}

// cmdServ is the handler for the serve subcommand
func cmdServ(*cobra.Command, []string) {
	setup(cpath)

	cd, err := serv.NewCordalService(conf)
	if err != nil {
		log.Fatalf("%s", err)
	}

	if err := cd.Start(); err != nil {
		log.Fatalf("%s", err)
	}
}
