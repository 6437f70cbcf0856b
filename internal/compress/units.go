package compress

import (
	"github.com/RoseOO/TapeVaultr/internal/models"
)

// DefaultMaxUnitSize is the archive unit target size when none is
// configured: 12 GiB.
const DefaultMaxUnitSize = 12 << 30

// Unit is one archive unit: an ordered slice of inventory rows that will
// become a single compressed container.
type Unit struct {
	Index      int
	Files      []models.FileRecord
	TotalBytes int64
}

// Paths returns the unit's file paths in inventory order.
func (u *Unit) Paths() []string {
	paths := make([]string, len(u.Files))
	for i, f := range u.Files {
		paths[i] = f.FilePath
	}
	return paths
}

// PartitionUnits splits the ordered inventory into archive units.
// Files accumulate in declared order until the next one would push the
// unit past maxUnitSize; a single file larger than the limit gets a unit
// of its own, never split. The unit count is the task's estimated archive
// count.
func PartitionUnits(files []models.FileRecord, maxUnitSize int64) []Unit {
	if maxUnitSize <= 0 {
		maxUnitSize = DefaultMaxUnitSize
	}
	var units []Unit
	var current Unit
	for _, f := range files {
		if len(current.Files) > 0 && current.TotalBytes+f.FileSize > maxUnitSize {
			current.Index = len(units)
			units = append(units, current)
			current = Unit{}
		}
		current.Files = append(current.Files, f)
		current.TotalBytes += f.FileSize
	}
	if len(current.Files) > 0 {
		current.Index = len(units)
		units = append(units, current)
	}
	return units
}
