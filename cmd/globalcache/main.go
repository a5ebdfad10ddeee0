// Command globalcache mutates global cache entries and waits for the
// changes on every branch.
package main

import (
	"os"

	"github.com/roach88/phaserun/internal/cli"
	"github.com/roach88/phaserun/internal/executables"
	"github.com/roach88/phaserun/internal/executables/globalcache"
)

func main() {
	os.Exit(cli.Execute(globalcache.New, executables.Catalog()))
}
