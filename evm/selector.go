package evm

import "time"

// =============================================================================
// TIME-BOUNDED RECORD SELECTOR
// =============================================================================

// DatedRecord is anything selectable "as of" a control date.
type DatedRecord interface {
	Effective() TimePoint
	Created() time.Time
	RecordID() string
}

// SelectAsOf returns the record with the greatest effective date <= control.
// Ties on effective date go to the latest creation timestamp, then to the
// greatest record id, so the answer never depends on input order.
// The input slice is not modified.
func SelectAsOf[T DatedRecord](records []T, control TimePoint) (T, bool) {
	var (
		best  T
		found bool
	)
	for _, r := range records {
		if r.Effective().After(control) {
			continue
		}
		if !found || newer(r, best) {
			best = r
			found = true
		}
	}
	return best, found
}

func newer(a, b DatedRecord) bool {
	if !a.Effective().Equal(b.Effective()) {
		return a.Effective().After(b.Effective())
	}
	if !a.Created().Equal(b.Created()) {
		return a.Created().After(b.Created())
	}
	return a.RecordID() > b.RecordID()
}
