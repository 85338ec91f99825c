package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
)

type CommonArgs struct {
	Serve   *ServeCmd   `arg:"subcommand:serve" help:"Run the hub: MQTT ingestion, health monitor, command dispatch and the ops server"`
	Migrate *MigrateCmd `arg:"subcommand:migrate" help:"Create tables, indexes and reading partitions, then exit"`
}

func main() {
	var args CommonArgs
	p := arg.MustParse(&args)

	var err error
	switch {
	case args.Serve != nil:
		err = args.Serve.Run(args)
	case args.Migrate != nil:
		err = args.Migrate.Run(args)
	default:
		p.Fail("missing required subcommand")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
