package activitypub

import (
	"fmt"
	"sync"
)

// RecursionBudget bounds the network fetches of one resolution chain.
// Create one per inbound request or build call and pass it down unchanged.
type RecursionBudget struct {
	mu        sync.Mutex
	remaining int
	spent     int
}

func NewRecursionBudget(limit int) *RecursionBudget {
	return &RecursionBudget{remaining: limit}
}

// Spend takes one fetch from the budget. It fails without side effects once
// the budget is exhausted.
func (b *RecursionBudget) Spend() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return fmt.Errorf("%w: %d fetches already made", ErrRecursionExceeded, b.spent)
	}
	b.remaining--
	b.spent++
	return nil
}

func (b *RecursionBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

func (b *RecursionBudget) Spent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}
