// Command ring passes values around a ring of array elements and visits
// LoadBalancing between Evolve steps.
package main

import (
	"os"

	"github.com/roach88/phaserun/internal/cli"
	"github.com/roach88/phaserun/internal/executables"
	"github.com/roach88/phaserun/internal/executables/ring"
)

func main() {
	os.Exit(cli.Execute(ring.New, executables.Catalog()))
}
