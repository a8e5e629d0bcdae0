package tasks

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// How long a single round may take before it is abandoned.
	confirmRoundTimeout = 2 * time.Minute
	// Back-off used after a round fails outright.
	confirmRetryInterval = 30 * time.Second
)

// PendingConfirmer records issuances whose transactions became final.
type PendingConfirmer interface {
	ConfirmPending(ctx context.Context) (int, error)
}

// ConfirmPendingTask periodically reconciles issuances that were broadcast
// but not seen finalized while the caller was waiting.
type ConfirmPendingTask struct {
	confirmer PendingConfirmer
	interval  time.Duration
	clock     clockwork.Clock
	done      chan bool
	stopped   chan struct{}
	logger    *zap.Logger
}

func NewConfirmPendingTask(
	confirmer PendingConfirmer,
	interval time.Duration,
	clock clockwork.Clock,
	logger *zap.Logger,
) *ConfirmPendingTask {
	return &ConfirmPendingTask{
		confirmer,
		interval,
		clock,
		make(chan bool),
		make(chan struct{}),
		logger,
	}
}

func (t *ConfirmPendingTask) confirm() error {
	ctx, cancel := context.WithTimeout(context.Background(), confirmRoundTimeout)
	defer cancel()

	n, err := t.confirmer.ConfirmPending(ctx)
	if err != nil {
		t.logger.Warn("Failed to confirm pending issuances", zap.Error(err))
		return err
	}
	if n > 0 {
		t.logger.Info("Confirmed pending issuances", zap.Int("count", n))
	}
	return nil
}

func (t *ConfirmPendingTask) Run() {
	defer close(t.stopped)

	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			t.logger.Info("Confirm pending task stopped")
			return
		case <-ticker.Chan():
			if err := t.confirm(); err != nil {
				ticker.Reset(confirmRetryInterval)
			} else {
				ticker.Reset(t.interval)
			}
		}
	}
}

func (t *ConfirmPendingTask) Stop() error {
	t.done <- true
	<-t.stopped
	return nil
}
