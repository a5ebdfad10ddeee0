// Package executables lists the executables built from this module.
package executables

import (
	"github.com/roach88/phaserun/internal/executables/globalcache"
	"github.com/roach88/phaserun/internal/executables/reduction"
	"github.com/roach88/phaserun/internal/executables/ring"
	"github.com/roach88/phaserun/internal/orchestrator"
)

// Catalog returns every executable by name.
func Catalog() orchestrator.Catalog {
	return orchestrator.Catalog{
		globalcache.Name: globalcache.New,
		reduction.Name:   reduction.New,
		ring.Name:        ring.New,
	}
}
