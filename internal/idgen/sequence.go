package idgen

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPrefix is the key prefix of the per-month counters.
const DefaultPrefix = "license:id"

// emptyCode replaces inputs that have no ASCII letters or digits.
const emptyCode = "NULL"

// ShortCode keeps the ASCII letters and digits of s, upper cased and cut to
// four characters.
func ShortCode(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
		if b.Len() == 4 {
			break
		}
	}
	if b.Len() == 0 {
		return emptyCode
	}
	return b.String()
}

// period formats the month component of an identifier. Months are taken in
// UTC so that two issuers in different zones share a counter.
func period(t time.Time) string {
	return t.UTC().Format("200601")
}

// counterKey is the counter name for one project, customer and month.
func counterKey(prefix, project, customer, month string) string {
	return fmt.Sprintf("%s:%s:%s:%s", prefix, project, customer, month)
}

// formatID renders PROJ-CUST-YYYYMM-NNN. Sequences past 999 keep growing in
// width.
func formatID(project, customer, month string, seq int64) string {
	return fmt.Sprintf("%s-%s-%s-%03d", project, customer, month, seq)
}
