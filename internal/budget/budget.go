// Package budget tracks and divides approximate-token budgets for prompt
// assembly.
package budget

// Budget is a single-use token accumulator. Consumed never exceeds Total:
// callers ask for what they need and receive what is left.
//
// A Budget belongs to one assembly operation and is not safe for
// concurrent use.
type Budget struct {
	total    int
	consumed int
}

// New returns a budget of total tokens. Negative totals become zero.
func New(total int) *Budget {
	return &Budget{total: max(total, 0)}
}

// Total returns the ceiling.
func (b *Budget) Total() int { return b.total }

// Consumed returns the tokens taken so far.
func (b *Budget) Consumed() int { return b.consumed }

// Remaining returns Total minus Consumed.
func (b *Budget) Remaining() int { return b.total - b.consumed }

// Fits reports whether n more tokens can be taken whole.
func (b *Budget) Fits(n int) bool { return n <= b.Remaining() }

// Exhausted reports whether nothing is left.
func (b *Budget) Exhausted() bool { return b.Remaining() <= 0 }

// Take consumes up to n tokens and returns how many were granted.
func (b *Budget) Take(n int) int {
	granted := min(max(n, 0), b.Remaining())
	b.consumed += granted
	return granted
}
