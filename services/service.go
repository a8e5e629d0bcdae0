package services

import (
	"context"
	"math/big"
	"time"

	"github.com/degree-anchor/anchor-api/external"
	"github.com/degree-anchor/anchor-api/ledger"
	"github.com/degree-anchor/anchor-api/metrics"
	"github.com/degree-anchor/anchor-api/models"
	"github.com/degree-anchor/anchor-api/sequencer"
	"github.com/degree-anchor/anchor-api/store"
	"github.com/degree-anchor/anchor-api/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultFinalityTimeout = 120 * time.Second
	// Maximum number of pending issuances checked at once.
	defaultPendingWorkers = 4
)

// Ledger is the part of the ledger gateway the services depend on.
// *ledger.Gateway satisfies it.
type Ledger interface {
	PendingSequence(ctx context.Context, account common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	PackIssue(studentID, fingerprint string, issuedAt int64) ([]byte, error)
	ChainID() *big.Int
	Contract() common.Address
	GasLimit() uint64
	Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	AwaitFinality(ctx context.Context, txHash common.Hash, timeout time.Duration) (*ledger.Receipt, error)
	CheckFinality(ctx context.Context, txHash common.Hash) (*ledger.Receipt, error)
	SequenceSuperseded(ctx context.Context, account common.Address, nonce uint64, txHash common.Hash) (bool, error)
	ReadAnchor(ctx context.Context, key models.AnchorKey) (*models.AnchorRecord, error)
}

// ServiceConfig contains the configuration for a Service.
type ServiceConfig struct {
	Store     *store.Store
	Ledger    Ledger
	Sequencer *sequencer.Sequencer
	Wallet    *util.Wallet
	Toolkit   external.CredentialToolkit

	FinalityTimeout time.Duration
	PendingWorkers  int

	Logger  *zap.Logger
	Clock   clockwork.Clock
	Metrics *metrics.MetricsRegistry
}

// Services contain business logic, and are responsible for coordinating the
// ledger, the projection store and the external toolkit.
// They are called by the API handlers and background tasks.
type Service struct {
	store   *store.Store
	ledger  Ledger
	seq     *sequencer.Sequencer
	wallet  *util.Wallet
	toolkit external.CredentialToolkit

	finalityTimeout time.Duration
	pendingWorkers  int

	m      *metrics.MetricsRegistry
	logger *zap.Logger
	clock  clockwork.Clock
}

func NewService(config *ServiceConfig) *Service {
	s := &Service{
		store:           config.Store,
		ledger:          config.Ledger,
		seq:             config.Sequencer,
		wallet:          config.Wallet,
		toolkit:         config.Toolkit,
		finalityTimeout: config.FinalityTimeout,
		pendingWorkers:  config.PendingWorkers,
		m:               config.Metrics,
		logger:          config.Logger,
		clock:           config.Clock,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.m == nil {
		s.m = metrics.NewMetricsRegistry("service", nil)
	}
	if s.seq == nil {
		s.seq = sequencer.New(s.ledger, s.logger)
	}
	if s.finalityTimeout <= 0 {
		s.finalityTimeout = defaultFinalityTimeout
	}
	if s.pendingWorkers <= 0 {
		s.pendingWorkers = defaultPendingWorkers
	}
	return s
}

// Account is the signing account anchoring credentials.
func (s *Service) Account() common.Address {
	return *s.wallet.Address
}
