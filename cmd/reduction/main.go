// Command reduction runs the reduction tests: array and singleton
// contributions reduced to a singleton, an array element and Main.
package main

import (
	"os"

	"github.com/roach88/phaserun/internal/cli"
	"github.com/roach88/phaserun/internal/executables"
	"github.com/roach88/phaserun/internal/executables/reduction"
)

func main() {
	os.Exit(cli.Execute(reduction.New, executables.Catalog()))
}
