package external

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Time between attempts to reach the ledger RPC endpoint at startup.
var dialRetryInterval = 2 * time.Second

// DialLedger connects to the ledger RPC endpoint, retrying up to retries times.
// The node must serve the expected chain; a mismatch is not retried.
func DialLedger(ctx context.Context, url string, chainID *big.Int, retries uint64, logger *zap.Logger) (*ethclient.Client, error) {
	var client *ethclient.Client

	dial := func() error {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return err
		}
		id, err := c.ChainID(ctx)
		if err != nil {
			c.Close()
			return err
		}
		if chainID != nil && id.Cmp(chainID) != 0 {
			c.Close()
			return backoff.Permanent(fmt.Errorf("ledger serves chain %s, expected %s", id, chainID))
		}
		client = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(dialRetryInterval), retries),
		ctx,
	)
	err := backoff.RetryNotify(dial, policy, func(err error, t time.Duration) {
		logger.Warn("Failed to connect to ledger, will sleep before trying again.",
			zap.Duration("sleep", t),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
