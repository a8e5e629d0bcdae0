package services

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/degree-anchor/anchor-api/database"
	"github.com/degree-anchor/anchor-api/external"
	"github.com/degree-anchor/anchor-api/ledger"
	"github.com/degree-anchor/anchor-api/ledger/ledgertest"
	"github.com/degree-anchor/anchor-api/store"
	"github.com/degree-anchor/anchor-api/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	testChainID  = big.NewInt(11155111)
	testContract = common.HexToAddress("0x9E12CbCA8a35caC95c88e52172c8d66aC5B106C2")
)

type testEnv struct {
	svc     *Service
	fake    *ledgertest.Ledger
	store   *store.Store
	toolkit *fakeToolkit
	clock   clockwork.FakeClock
}

// Create a new service backed by an in-memory database and an in-memory ledger.
func setupTestService(t *testing.T, finalityTimeout time.Duration) *testEnv {
	t.Helper()

	// Every connection to this DSN shares one in-memory database, which lives
	// as long as the pool keeps a connection open.
	db, err := database.Open(database.MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("Could not open database: %v", err)
	}
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(0)
	t.Cleanup(func() { db.Close() })

	logger, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		t.Fatalf("Could not create logger: %v", err)
	}
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))

	st := store.New(&store.Config{DB: db, Clock: clock, Logger: logger})
	if err := st.Init(); err != nil {
		t.Fatalf("Could not initialize store: %v", err)
	}
	t.Cleanup(st.Deinit)

	fake := ledgertest.New(testChainID, testContract)
	// The gateway polls on the real clock; the service stamps with the fake one.
	gw, err := ledger.NewGateway(&ledger.GatewayConfig{
		Client:       fake,
		Contract:     testContract,
		ChainID:      testChainID,
		PollInterval: 5 * time.Millisecond,
		MaxCalls:     4,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("Could not create gateway: %v", err)
	}

	wallet, err := util.NewWallet()
	if err != nil {
		t.Fatalf("Could not create wallet: %v", err)
	}

	toolkit := &fakeToolkit{}
	svc := NewService(&ServiceConfig{
		Store:           st,
		Ledger:          gw,
		Wallet:          wallet,
		Toolkit:         toolkit,
		FinalityTimeout: finalityTimeout,
		Logger:          logger,
		Clock:           clock,
	})
	return &testEnv{svc: svc, fake: fake, store: st, toolkit: toolkit, clock: clock}
}

type fakeToolkit struct {
	did    json.RawMessage
	vc     json.RawMessage
	result *external.VerifyResult
	err    error

	holder string
	claims map[string]any
}

func (f *fakeToolkit) CreateDID(_ context.Context, kind external.DIDKind) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.did, nil
}

func (f *fakeToolkit) IssueCredential(_ context.Context, holderDID string, claims map[string]any) (json.RawMessage, error) {
	f.holder = holderDID
	f.claims = claims
	if f.err != nil {
		return nil, f.err
	}
	return f.vc, nil
}

func (f *fakeToolkit) VerifyCredential(_ context.Context, vc json.RawMessage) (*external.VerifyResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}
