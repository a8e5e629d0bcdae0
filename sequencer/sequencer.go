// Package sequencer hands out per-account transaction sequence numbers (nonces)
// so concurrent issuances never collide or leave gaps.
package sequencer

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Reader reports the next sequence number the ledger expects from an account,
// including transactions still waiting in the mempool.
type Reader interface {
	PendingSequence(ctx context.Context, account common.Address) (uint64, error)
}

// Reservation is a sequence number held by one caller until it is committed,
// released or resynced.
type Reservation struct {
	Account  common.Address
	Sequence uint64
}

type accountState struct {
	// Buffered with capacity 1; holding the token is holding the lock.
	lock chan struct{}

	synced   bool
	next     uint64
	gaps     map[uint64]struct{}
	inflight map[uint64]struct{}
}

type Sequencer struct {
	reader Reader
	logger *zap.Logger

	mu       sync.Mutex
	accounts map[common.Address]*accountState
}

func New(reader Reader, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		reader:   reader,
		logger:   logger,
		accounts: make(map[common.Address]*accountState),
	}
}

func (s *Sequencer) state(account common.Address) *accountState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.accounts[account]
	if !ok {
		st = &accountState{
			lock:     make(chan struct{}, 1),
			gaps:     make(map[uint64]struct{}),
			inflight: make(map[uint64]struct{}),
		}
		s.accounts[account] = st
	}
	return st
}

// Next reserves the next sequence number for account. Callers for the same
// account are serialized; waiting honours ctx. If the ledger cannot be read the
// reader's error is returned and nothing is reserved.
func (s *Sequencer) Next(ctx context.Context, account common.Address) (Reservation, error) {
	st := s.state(account)

	select {
	case st.lock <- struct{}{}:
	case <-ctx.Done():
		return Reservation{}, ctx.Err()
	}
	defer func() { <-st.lock }()

	onChain, err := s.reader.PendingSequence(ctx, account)
	if err != nil {
		return Reservation{}, err
	}

	if !st.synced || onChain > st.next {
		// First use, or another sender advanced the account past everything
		// handed out here.
		st.next = onChain
		st.gaps = make(map[uint64]struct{})
		st.synced = true
	}
	for seq := range st.gaps {
		if seq < onChain {
			delete(st.gaps, seq)
		}
	}
	if _, held := st.inflight[onChain]; !held && onChain < st.next {
		// The ledger is stuck on a number nobody holds: a broadcast was lost.
		st.gaps[onChain] = struct{}{}
	}

	var seq uint64
	if len(st.gaps) > 0 {
		seq = lowest(st.gaps)
		delete(st.gaps, seq)
	} else {
		seq = st.next
		st.next++
	}
	st.inflight[seq] = struct{}{}

	s.logger.Debug("Reserved sequence number",
		zap.String("account", account.Hex()),
		zap.Uint64("nonce", seq),
		zap.Uint64("ledgerNonce", onChain),
	)
	return Reservation{Account: account, Sequence: seq}, nil
}

// Commit marks a reservation as broadcast.
func (s *Sequencer) Commit(r Reservation) {
	st := s.state(r.Account)
	st.lock <- struct{}{}
	defer func() { <-st.lock }()

	delete(st.inflight, r.Sequence)
}

// Release returns a reservation that was never broadcast, so the next caller reuses it.
func (s *Sequencer) Release(r Reservation) {
	st := s.state(r.Account)
	st.lock <- struct{}{}
	defer func() { <-st.lock }()

	if _, ok := st.inflight[r.Sequence]; !ok {
		return
	}
	delete(st.inflight, r.Sequence)
	if r.Sequence+1 == st.next {
		st.next--
		for {
			if _, ok := st.gaps[st.next-1]; !ok || st.next == 0 {
				break
			}
			delete(st.gaps, st.next-1)
			st.next--
		}
		return
	}
	st.gaps[r.Sequence] = struct{}{}
}

// Resync is used when a broadcast's outcome is unknown. The number is handed
// out again only once the ledger reports it as the next one it expects.
func (s *Sequencer) Resync(r Reservation) {
	st := s.state(r.Account)
	st.lock <- struct{}{}
	defer func() { <-st.lock }()

	delete(st.inflight, r.Sequence)

	s.logger.Warn("Sequence state marked for resync",
		zap.String("account", r.Account.Hex()),
		zap.Uint64("nonce", r.Sequence),
	)
}

func lowest(set map[uint64]struct{}) uint64 {
	keys := make([]uint64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0]
}
