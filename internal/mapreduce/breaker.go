package mapreduce

import "github.com/charmbracelet/log"

// failureBreaker aborts a batch once too many items in a row have
// exhausted their retries, the signature of a systemic problem (bad
// credentials, a broken agent command) rather than item-specific
// breakage. A zero or negative limit disables it.
type failureBreaker struct {
	limit       int
	consecutive int
	logger      *log.Logger
}

func newFailureBreaker(limit int, logger *log.Logger) *failureBreaker {
	return &failureBreaker{limit: limit, logger: logger}
}

// recordSuccess resets the streak: failures only count when uninterrupted.
func (b *failureBreaker) recordSuccess() {
	b.consecutive = 0
}

// recordFailure counts one exhausted item and reports whether the batch
// should keep going.
func (b *failureBreaker) recordFailure(itemID, cause string) (keepGoing bool) {
	b.consecutive++
	if b.logger != nil {
		b.logger.Warn("item exhausted retries", "item", itemID, "streak", b.consecutive, "limit", b.limit, "error", cause)
	}
	if b.limit > 0 && b.consecutive >= b.limit {
		if b.logger != nil {
			b.logger.Warn("consecutive failure limit reached, aborting batch", "streak", b.consecutive)
		}
		return false
	}
	return true
}
