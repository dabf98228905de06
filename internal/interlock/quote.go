package interlock

import (
	"fmt"
	"time"
)

type ViolationKind string

const (
	ViolationNonPositive ViolationKind = "non_positive_price"
	ViolationCrossed     ViolationKind = "crossed_book"
	ViolationSpread      ViolationKind = "spread"
	ViolationStale       ViolationKind = "stale"
)

// QuoteViolation is a data integrity failure. It is reported, never raised as
// a panic, and the offending quote is discarded.
type QuoteViolation struct {
	Instrument string
	Kind       ViolationKind
	Detail     string
	At         time.Time
}

func (v *QuoteViolation) Error() string {
	return fmt.Sprintf("%s quote %s: %s", v.Instrument, v.Kind, v.Detail)
}
