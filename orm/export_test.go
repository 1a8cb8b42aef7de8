package orm

// Exported for use in orm_test package.
var (
	StoreFetchesCounter      = storeFetchesCounter
	DeduplicatedLoadsCounter = deduplicatedLoadsCounter
	CascadeDeletesCounter    = cascadeDeletesCounter
	CommitsCounter           = commitsCounter
)

// CompareValues exposes the ordering used for sorted collections.
func CompareValues(a, b any) int { return compareValues(a, b) }
