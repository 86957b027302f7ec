package orchestrator

import (
	"hash/fnv"
	"sync"
)

// keyedMutex serializes work per task id with a fixed set of striped locks.
// Correctness of the merge lives in the store's transactions; the stripes just
// keep hot tasks from thrashing CAS retries.
type keyedMutex struct {
	stripes []sync.Mutex
}

func newKeyedMutex(stripeCount int) *keyedMutex {
	if stripeCount <= 0 {
		stripeCount = 64
	}
	return &keyedMutex{stripes: make([]sync.Mutex, stripeCount)}
}

func (m *keyedMutex) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	stripe := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	stripe.Lock()
	return stripe.Unlock
}
