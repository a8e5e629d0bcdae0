package sequencer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu      sync.Mutex
	pending map[common.Address]uint64
	err     error
	block   chan struct{}
}

func newFakeReader() *fakeReader {
	return &fakeReader{pending: make(map[common.Address]uint64)}
}

func (f *fakeReader) PendingSequence(ctx context.Context, account common.Address) (uint64, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.pending[account], nil
}

func (f *fakeReader) set(account common.Address, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[account] = n
}

var account = common.HexToAddress("0xd2f94b352fb72fa5a6a73a1c74726ab828802b0a")

func TestNextSequential(t *testing.T) {
	reader := newFakeReader()
	reader.set(account, 5)
	s := New(reader, nil)

	for want := uint64(5); want < 10; want++ {
		r, err := s.Next(context.Background(), account)
		require.NoError(t, err)
		assert.Equal(t, want, r.Sequence)
	}
}

func TestNextConcurrentDistinctGapFree(t *testing.T) {
	reader := newFakeReader()
	s := New(reader, nil)

	const n = 200
	var wg sync.WaitGroup
	results := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.Next(context.Background(), account)
			if err != nil {
				t.Errorf("Next failed: %v", err)
				return
			}
			results[i] = r.Sequence
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, seq := range results {
		assert.Equal(t, uint64(i), seq)
	}
}

func TestNextLedgerUnavailable(t *testing.T) {
	reader := newFakeReader()
	s := New(reader, nil)

	r, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Sequence)

	reader.err = errors.New("connection refused")
	_, err = s.Next(context.Background(), account)
	require.Error(t, err)

	// A failed read reserves nothing.
	reader.err = nil
	r, err = s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Sequence)
}

func TestReleaseLatestIsReused(t *testing.T) {
	s := New(newFakeReader(), nil)

	r0, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	r1, err := s.Next(context.Background(), account)
	require.NoError(t, err)

	s.Release(r1)
	r, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, r1.Sequence, r.Sequence)

	s.Commit(r0)
}

func TestReleaseMiddleFillsGap(t *testing.T) {
	reader := newFakeReader()
	s := New(reader, nil)

	r0, _ := s.Next(context.Background(), account)
	r1, _ := s.Next(context.Background(), account)
	r2, _ := s.Next(context.Background(), account)
	s.Commit(r0)
	reader.set(account, 1)
	// r2 is queued by the ledger behind the missing r1.
	s.Commit(r2)

	s.Release(r1)
	r, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Sequence)

	r, err = s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.Sequence)
}

func TestReleaseCollapsesTrailingGaps(t *testing.T) {
	reader := newFakeReader()
	s := New(reader, nil)

	r0, _ := s.Next(context.Background(), account)
	r1, _ := s.Next(context.Background(), account)
	r2, _ := s.Next(context.Background(), account)
	s.Commit(r0)
	reader.set(account, 1)
	s.Release(r1)
	s.Release(r2)

	r, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Sequence)
	r, err = s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Sequence)
}

func TestLedgerAheadOfLocalState(t *testing.T) {
	reader := newFakeReader()
	s := New(reader, nil)

	r, _ := s.Next(context.Background(), account)
	s.Commit(r)
	reader.set(account, 1)

	// Another process used the same account.
	reader.set(account, 10)
	r, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), r.Sequence)
}

func TestResyncKeepsInflightReservations(t *testing.T) {
	reader := newFakeReader()
	s := New(reader, nil)

	r0, _ := s.Next(context.Background(), account)
	r1, _ := s.Next(context.Background(), account)
	require.Equal(t, uint64(1), r1.Sequence)

	// r0's broadcast outcome is unknown and the ledger never saw it.
	s.Resync(r0)
	r, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Sequence, "the lost number is reused")

	r, err = s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Sequence, "must not collide with in-flight reservation")
}

func TestResyncDoesNotReuseQueuedNumbers(t *testing.T) {
	reader := newFakeReader()
	s := New(reader, nil)

	r0, _ := s.Next(context.Background(), account)
	r1, _ := s.Next(context.Background(), account)
	// r1 reached the ledger but waits behind r0, whose broadcast was lost.
	s.Commit(r1)
	s.Resync(r0)

	r, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Sequence)
	r, err = s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Sequence)
}

func TestResyncAfterLedgerReceivedBroadcast(t *testing.T) {
	reader := newFakeReader()
	s := New(reader, nil)

	r0, _ := s.Next(context.Background(), account)
	// The broadcast reached the ledger even though the client saw an error.
	reader.set(account, 1)
	s.Resync(r0)

	r, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Sequence)
}

func TestNextCancelledWhileWaiting(t *testing.T) {
	reader := newFakeReader()
	reader.block = make(chan struct{})
	s := New(reader, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r, err := s.Next(context.Background(), account)
		assert.NoError(t, err)
		assert.Equal(t, uint64(0), r.Sequence)
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx, account)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(reader.block)
	<-done

	// The sequencer is still consistent after the cancelled waiter.
	r, err := s.Next(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Sequence)
}
