package patient

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"
)

const caseIDPrefix = "ODS"

var caseIDPattern = regexp.MustCompile(`^ODS-\d{6}-\d{4}$`)

// NewCaseID returns a display identifier such as ODS-250115-4821. Collisions
// are possible; the repository enforces uniqueness.
func NewCaseID(now time.Time) string {
	return fmt.Sprintf("%s-%s-%04d", caseIDPrefix, now.UTC().Format("060102"), rand.IntN(10000))
}

// ValidCaseID reports whether s has the case id shape.
func ValidCaseID(s string) bool {
	return caseIDPattern.MatchString(s)
}
