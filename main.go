// probecov builds probe-position control-flow graphs for JVM methods and
// measures node, edge and edge-pair coverage against them.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/probecov/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
