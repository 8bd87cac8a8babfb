package invoice

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Invoice numbers follow PREFIX-YYYYMM-NNNN, e.g. INV-202501-0001.
// The 4-digit sequence resets per prefix and month and is derived by
// reading the highest existing suffix and incrementing. Numbering is a
// display convenience, not a primary key; a unique index on the column
// catches the unlikely collision.

var numberPattern = regexp.MustCompile(`^([A-Z]+)-(\d{6})-(\d{4})$`)

// Period returns the YYYYMM segment for a point in time.
func Period(t time.Time) string {
	return t.UTC().Format("200601")
}

// FormatNumber builds an invoice number from its parts.
func FormatNumber(prefix, period string, sequence int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, period, sequence)
}

// ParseNumber splits an invoice number into prefix, period and
// sequence. Returns an error for anything that does not match the
// format.
func ParseNumber(number string) (prefix, period string, sequence int, err error) {
	m := numberPattern.FindStringSubmatch(number)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid invoice number %q", number)
	}
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid invoice number %q", number)
	}
	return m[1], m[2], seq, nil
}
