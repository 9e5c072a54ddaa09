package aat

import "github.com/loomworks/loom/internal/models"

// defaultParallelism returns the built-in parallelization profile for the
// six core archetypes. Used when a definition declares no explicit rules.
func defaultParallelism(aatID string) Parallelism {
	switch aatID {
	case models.ArchetypePlanner:
		return Parallelism{
			Parallelizable: true,
			MaxConcurrent:  3,
			ConflictsWith:  []string{models.ArchetypePlanner},
		}
	case models.ArchetypeExecutor:
		return Parallelism{
			Parallelizable:        true,
			MaxConcurrent:         20,
			RequiresIsolation:     true,
			PreferredEnclaveScope: "workspace",
		}
	case models.ArchetypeArbiter:
		return Parallelism{
			Parallelizable: false,
			MaxConcurrent:  1,
		}
	case models.ArchetypeObserver:
		return Parallelism{
			Parallelizable: true,
			MaxConcurrent:  10,
		}
	case models.ArchetypeArchivist:
		return Parallelism{
			Parallelizable: true,
			MaxConcurrent:  2,
		}
	case models.ArchetypeAnalyst:
		return Parallelism{
			Parallelizable: true,
			MaxConcurrent:  3,
		}
	}
	// Unknown archetypes run strictly serially.
	return Parallelism{Parallelizable: false, MaxConcurrent: 1}
}
