package stripewebhook

import (
	"sort"
	"sync"
)

// subscriptionLocks serializes webhook handlers per Stripe subscription id so
// near-simultaneous deliveries for the same subscription cannot interleave.
// Mutexes are kept for the process lifetime; the key space is bounded by the
// number of distinct subscriptions a single instance sees.
type subscriptionLocks struct {
	mu sync.Map // string -> *sync.Mutex
}

func newSubscriptionLocks() *subscriptionLocks {
	return &subscriptionLocks{}
}

func (l *subscriptionLocks) lock(key string) func() {
	if key == "" {
		return func() {}
	}
	actual, _ := l.mu.LoadOrStore(key, &sync.Mutex{})
	mtx := actual.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}

// lockMany acquires the locks for all distinct keys in sorted order, so two
// holders with overlapping key sets cannot deadlock. Empty keys are skipped.
func (l *subscriptionLocks) lockMany(keys ...string) func() {
	distinct := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		distinct = append(distinct, key)
	}
	sort.Strings(distinct)

	unlocks := make([]func(), 0, len(distinct))
	for _, key := range distinct {
		unlocks = append(unlocks, l.lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
