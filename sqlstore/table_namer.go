package sqlstore

import (
	"github.com/mickamy/ormnav/internal/naming"
	"github.com/mickamy/ormnav/orm"
)

// TableNamer maps an entity type onto its table.
type TableNamer func(t *orm.EntityType) string

// DefaultTableNamer uses the table configured on the type, or the plural
// snake_case form of the type name: "CourseEnrollment" → "course_enrollments".
func DefaultTableNamer(t *orm.EntityType) string {
	if name := t.Table(); name != "" {
		return name
	}
	return naming.TableName(t.Name())
}

// PrefixedTableNamer prepends prefix to every name DefaultTableNamer returns.
func PrefixedTableNamer(prefix string) TableNamer {
	return func(t *orm.EntityType) string {
		return prefix + DefaultTableNamer(t)
	}
}
