package ledger

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the number of identity shards used by New.
const DefaultShards = 64

type tokenState uint8

const (
	tokenPending tokenState = iota + 1
	tokenUsed
)

// Account is a point-in-time view of one identity's cumulative total.
type Account struct {
	Identity string `json:"identity"`
	Total    int64  `json:"total"`
}

// Stats summarizes ledger contents for health checks and metrics.
type Stats struct {
	Identities int   `json:"identities"`
	UsedTokens int64 `json:"usedTokens"`
}

// Ledger is the in-memory store of redeemed tokens and per-identity totals.
// It is the only component that mutates either; callers go through the
// methods below.
//
// Identities are spread over mutex-guarded shards so unrelated identities do
// not contend on a single lock. The token set is a sync.Map.
type Ledger struct {
	shards []*shard
	tokens sync.Map // token -> tokenState
	used   atomic.Int64
}

type shard struct {
	mu     sync.Mutex
	totals map[string]int64
}

// New creates an empty ledger with DefaultShards shards.
func New() *Ledger {
	return NewWithShards(DefaultShards)
}

// NewWithShards creates an empty ledger with n identity shards (minimum 1).
func NewWithShards(n int) *Ledger {
	if n < 1 {
		n = 1
	}
	l := &Ledger{shards: make([]*shard, n)}
	for i := range l.shards {
		l.shards[i] = &shard{totals: make(map[string]int64)}
	}
	return l
}

func (l *Ledger) shardFor(identity string) *shard {
	return l.shards[xxhash.Sum64String(identity)%uint64(len(l.shards))]
}

// IsUsed reports whether token has been consumed by an accepted charge.
func (l *Ledger) IsUsed(token string) bool {
	v, ok := l.tokens.Load(token)
	return ok && v.(tokenState) == tokenUsed
}

// Claim reserves token for a redemption in progress. It returns false when
// the token is already used or claimed by a concurrent redemption.
func (l *Ledger) Claim(token string) bool {
	_, loaded := l.tokens.LoadOrStore(token, tokenPending)
	return !loaded
}

// Release drops a pending claim so the token stays unused. Used tokens are
// never released.
func (l *Ledger) Release(token string) {
	l.tokens.CompareAndDelete(token, tokenPending)
}

// MarkUsed records token as consumed. Calling it more than once is a no-op.
func (l *Ledger) MarkUsed(token string) {
	for {
		prev, loaded := l.tokens.LoadOrStore(token, tokenUsed)
		if !loaded {
			l.used.Add(1)
			return
		}
		if prev.(tokenState) == tokenUsed {
			return
		}
		if l.tokens.CompareAndSwap(token, tokenPending, tokenUsed) {
			l.used.Add(1)
			return
		}
	}
}

// TotalFor returns the cumulative accepted amount for identity, 0 if unknown.
func (l *Ledger) TotalFor(identity string) int64 {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[identity]
}

// TryAccumulate adds amount to identity's total if the result stays within
// limit. Check and update happen under one lock: two concurrent charges for
// the same identity can never both pass against a stale total.
//
// It returns (true, newTotal) on commit and (false, currentTotal) otherwise.
func (l *Ledger) TryAccumulate(identity string, amount, limit int64) (bool, int64) {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.totals[identity]
	// Compare against headroom so a huge amount cannot wrap the sum.
	if amount < 0 || amount > limit-current {
		return false, current
	}
	s.totals[identity] = current + amount
	return true, current + amount
}

// Snapshot returns the account view for identity.
func (l *Ledger) Snapshot(identity string) Account {
	return Account{Identity: identity, Total: l.TotalFor(identity)}
}

// Stats returns the number of known identities and used tokens.
func (l *Ledger) Stats() Stats {
	identities := 0
	for _, s := range l.shards {
		s.mu.Lock()
		identities += len(s.totals)
		s.mu.Unlock()
	}
	return Stats{Identities: identities, UsedTokens: l.used.Load()}
}
