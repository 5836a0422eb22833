// Command areactl inspects and operates an AREA deployment.
package main

import (
	"fmt"
	"os"

	"github.com/p-blackswan/area/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
