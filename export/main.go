package main

import (
	"fmt"
	"os"

	"github.com/CMSgov/bcda-export/export/cli"
	"github.com/CMSgov/bcda-export/log"
)

func main() {
	app := cli.GetApp()
	if err := app.Run(os.Args); err != nil {
		log.Export.Error(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
