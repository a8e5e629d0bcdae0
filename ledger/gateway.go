package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/degree-anchor/anchor-api/metrics"
	"github.com/degree-anchor/anchor-api/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultMaxCalls      = 8
	defaultConfirmations = 1
	defaultGasLimit      = 200000
)

// errPending is returned by checkFinality while the transaction is not yet final.
var errPending = errors.New("pending")

// Client is the subset of the Ethereum RPC the gateway depends on.
// *ethclient.Client satisfies it.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Receipt describes a finalized transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	GasUsed     uint64
}

// GatewayConfig contains the configuration for a Gateway.
type GatewayConfig struct {
	Client   Client
	Contract common.Address
	ChainID  *big.Int
	GasLimit uint64
	// Blocks required on top of the receipt's block, inclusive.
	Confirmations uint64
	PollInterval  time.Duration
	// Maximum number of ledger calls in flight at once.
	MaxCalls int64
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Metrics  *metrics.MetricsRegistry
}

// Gateway is the only component that talks to the ledger client.
type Gateway struct {
	client        Client
	contract      common.Address
	chainID       *big.Int
	gasLimit      uint64
	confirmations uint64
	pollInterval  time.Duration
	abi           abi.ABI
	calls         *semaphore.Weighted
	clock         clockwork.Clock
	logger        *zap.Logger
	m             *metrics.MetricsRegistry
}

func NewGateway(config *GatewayConfig) (*Gateway, error) {
	parsed, err := RegistryABI()
	if err != nil {
		return nil, fmt.Errorf("parse registry ABI: %w", err)
	}
	if config.Client == nil {
		return nil, errors.New("ledger client is required")
	}
	if config.ChainID == nil {
		return nil, errors.New("chain id is required")
	}

	g := &Gateway{
		client:        config.Client,
		contract:      config.Contract,
		chainID:       config.ChainID,
		gasLimit:      config.GasLimit,
		confirmations: config.Confirmations,
		pollInterval:  config.PollInterval,
		abi:           parsed,
		clock:         config.Clock,
		logger:        config.Logger,
		m:             config.Metrics,
	}
	if g.gasLimit == 0 {
		g.gasLimit = defaultGasLimit
	}
	if g.confirmations == 0 {
		g.confirmations = defaultConfirmations
	}
	if g.pollInterval <= 0 {
		g.pollInterval = defaultPollInterval
	}
	maxCalls := config.MaxCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxCalls
	}
	g.calls = semaphore.NewWeighted(maxCalls)
	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.m == nil {
		g.m = metrics.NewMetricsRegistry("ledger", nil)
	}
	return g, nil
}

func (g *Gateway) ChainID() *big.Int {
	return new(big.Int).Set(g.chainID)
}

func (g *Gateway) Contract() common.Address {
	return g.contract
}

func (g *Gateway) GasLimit() uint64 {
	return g.gasLimit
}

// acquire takes a slot in the call pool. The returned func must be called on every exit path.
func (g *Gateway) acquire(ctx context.Context, op string) (func(), error) {
	if err := g.calls.Acquire(ctx, 1); err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	return func() { g.calls.Release(1) }, nil
}

// PendingSequence returns the next sequence number the ledger expects from account,
// counting transactions still in the mempool.
func (g *Gateway) PendingSequence(ctx context.Context, account common.Address) (uint64, error) {
	release, err := g.acquire(ctx, "pending sequence")
	if err != nil {
		return 0, &LedgerUnavailableError{Err: err}
	}
	defer release()

	nonce, err := g.client.PendingNonceAt(ctx, account)
	if err != nil {
		g.m.Counter("sequence_read_failed").Inc()
		return 0, &LedgerUnavailableError{Err: err}
	}
	return nonce, nil
}

// GasPrice returns the ledger's suggested gas price.
func (g *Gateway) GasPrice(ctx context.Context) (*big.Int, error) {
	release, err := g.acquire(ctx, "gas price")
	if err != nil {
		return nil, &LedgerUnavailableError{Err: err}
	}
	defer release()

	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &LedgerUnavailableError{Err: err}
	}
	return price, nil
}

// SequenceSuperseded reports whether nonce was consumed by a transaction other
// than txHash: the account's mined sequence has moved past it while txHash has
// no receipt. Such a transaction can never be mined.
func (g *Gateway) SequenceSuperseded(ctx context.Context, account common.Address, nonce uint64, txHash common.Hash) (bool, error) {
	release, err := g.acquire(ctx, "mined sequence")
	if err != nil {
		return false, err
	}
	defer release()

	mined, err := g.client.NonceAt(ctx, account, nil)
	if err != nil {
		return false, &NetworkError{Op: "mined sequence", Err: err}
	}
	if mined <= nonce {
		return false, nil
	}

	// Re-check the receipt after the nonce read, so a transaction mined in
	// between is not mistaken for a lost one.
	_, err = g.client.TransactionReceipt(ctx, txHash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		g.m.Counter("superseded").Inc()
		return true, nil
	case err != nil:
		return false, &NetworkError{Op: "receipt", Err: err}
	}
	return false, nil
}

// Submit broadcasts a signed transaction. A node that already holds the
// transaction counts as success.
func (g *Gateway) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	release, err := g.acquire(ctx, "submit")
	if err != nil {
		return common.Hash{}, err
	}
	defer release()

	if err := g.client.SendTransaction(ctx, tx); err != nil {
		cerr := classify("submit", tx.Hash(), err)
		var rejected *RejectedError
		if errors.As(cerr, &rejected) {
			reason := strings.ToLower(rejected.Reason)
			switch {
			case strings.Contains(reason, "already known"), strings.Contains(reason, "known transaction"):
				g.logger.Info("Transaction already known to the ledger",
					zap.String("txHash", tx.Hash().Hex()),
					zap.Uint64("nonce", tx.Nonce()),
				)
				g.m.Counter("submitted").Inc()
				return tx.Hash(), nil
			case strings.Contains(reason, "nonce too low"), strings.Contains(reason, "replacement transaction underpriced"):
				rejected.SequenceTaken = true
			}
		}
		g.m.Counter("submit_failed").Inc()
		return common.Hash{}, cerr
	}

	g.logger.Info("Submitted transaction",
		zap.String("txHash", tx.Hash().Hex()),
		zap.Uint64("nonce", tx.Nonce()),
	)
	g.m.Counter("submitted").Inc()
	return tx.Hash(), nil
}

// AwaitFinality polls until txHash is final, reverted, the timeout elapses, or ctx
// is done. Only the last two yield NotFinalizedError. Transient read failures are
// retried on the next poll.
func (g *Gateway) AwaitFinality(ctx context.Context, txHash common.Hash, timeout time.Duration) (*Receipt, error) {
	timer := g.clock.NewTimer(timeout)
	defer timer.Stop()
	ticker := g.clock.NewTicker(g.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := g.checkFinality(ctx, txHash)
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, &RejectedError{}):
			return nil, err
		case !errors.Is(err, errPending):
			g.logger.Warn("Failed to check transaction finality",
				zap.String("txHash", txHash.Hex()),
				zap.Error(err))
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, &NotFinalizedError{TxHash: txHash, Err: ctx.Err()}
		case <-timer.Chan():
			g.m.Counter("finality_timeout").Inc()
			return nil, &NotFinalizedError{TxHash: txHash, Err: lastErr}
		case <-ticker.Chan():
		}
	}
}

// CheckFinality performs a single finality check. A transaction that is known
// but not yet final yields a NotFinalizedError.
func (g *Gateway) CheckFinality(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	receipt, err := g.checkFinality(ctx, txHash)
	if errors.Is(err, errPending) {
		return nil, &NotFinalizedError{TxHash: txHash}
	}
	return receipt, err
}

func (g *Gateway) checkFinality(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	release, err := g.acquire(ctx, "receipt")
	if err != nil {
		return nil, err
	}
	defer release()

	receipt, err := g.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, errPending
	}
	if err != nil {
		return nil, &NetworkError{Op: "receipt", Err: err}
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, errPending
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		g.m.Counter("reverted").Inc()
		return nil, &RejectedError{TxHash: txHash, Reason: "transaction reverted"}
	}

	block := receipt.BlockNumber.Uint64()
	if g.confirmations > 1 {
		head, err := g.client.BlockNumber(ctx)
		if err != nil {
			return nil, &NetworkError{Op: "block number", Err: err}
		}
		if head < block || head-block+1 < g.confirmations {
			return nil, errPending
		}
	}

	g.m.Counter("finalized").Inc()
	return &Receipt{
		TxHash:      txHash,
		BlockNumber: block,
		BlockHash:   receipt.BlockHash,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// ReadAnchor asks the registry whether key is anchored. It never signs or
// touches sequence numbers.
func (g *Gateway) ReadAnchor(ctx context.Context, key models.AnchorKey) (*models.AnchorRecord, error) {
	data, err := g.abi.Pack(MethodVerify, key.Big())
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", MethodVerify, err)
	}

	release, err := g.acquire(ctx, "read anchor")
	if err != nil {
		return nil, err
	}
	defer release()

	contract := g.contract
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, classify("read anchor", common.Hash{}, err)
	}

	results, err := g.abi.Unpack(MethodVerify, out)
	if err != nil {
		return nil, &RejectedError{Reason: fmt.Sprintf("malformed %s result: %v", MethodVerify, err)}
	}
	if len(results) != 1 {
		return nil, &RejectedError{Reason: fmt.Sprintf("unexpected %s result count %d", MethodVerify, len(results))}
	}
	valid, ok := results[0].(bool)
	if !ok {
		return nil, &RejectedError{Reason: fmt.Sprintf("unexpected %s result type %T", MethodVerify, results[0])}
	}
	if !valid {
		return nil, ErrAnchorNotFound
	}
	return &models.AnchorRecord{Key: key}, nil
}

// Ping checks that the ledger answers.
func (g *Gateway) Ping(ctx context.Context) error {
	release, err := g.acquire(ctx, "ping")
	if err != nil {
		return err
	}
	defer release()

	if _, err := g.client.BlockNumber(ctx); err != nil {
		return &NetworkError{Op: "ping", Err: err}
	}
	return nil
}

// classify separates JSON-RPC level refusals from transport failures.
func classify(op string, txHash common.Hash, err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return &NetworkError{Op: op, Err: err}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &RejectedError{TxHash: txHash, Reason: rpcErr.Error()}
	}
	return &NetworkError{Op: op, Err: err}
}
