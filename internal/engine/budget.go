package engine

import "sync"

// budget enforces the maxResources ceiling. A worker reserves a slot before
// fetching and releases it only when the entry ends Skipped, so the Stored
// and Failed entries of a run together never exceed the ceiling.
type budget struct {
	mu        sync.Mutex
	remaining int
	unlimited bool
}

func newBudget(maxResources int) *budget {
	return &budget{
		remaining: maxResources,
		unlimited: maxResources <= 0,
	}
}

// Reserve claims one slot, reporting false once the budget is spent.
func (b *budget) Reserve() bool {
	if b.unlimited {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Release returns a slot claimed by Reserve.
func (b *budget) Release() {
	if b.unlimited {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining++
}
