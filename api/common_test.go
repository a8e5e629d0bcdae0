package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/degree-anchor/anchor-api/database"
	"github.com/degree-anchor/anchor-api/external"
	"github.com/degree-anchor/anchor-api/ledger"
	"github.com/degree-anchor/anchor-api/ledger/ledgertest"
	"github.com/degree-anchor/anchor-api/services"
	"github.com/degree-anchor/anchor-api/store"
	"github.com/degree-anchor/anchor-api/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var testContract = common.HexToAddress("0x9E12CbCA8a35caC95c88e52172c8d66aC5B106C2")

type testEnv struct {
	router  *mux.Router
	fake    *ledgertest.Ledger
	store   *store.Store
	gateway *ledger.Gateway
	toolkit *stubToolkit
}

func setupTestRouter(t *testing.T, finalityTimeout time.Duration, limiter *rate.Limiter) *testEnv {
	t.Helper()

	db, err := database.Open(database.MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))

	st := store.New(&store.Config{DB: db, Clock: clock, Logger: logger})
	require.NoError(t, st.Init())
	t.Cleanup(st.Deinit)

	chainID := big.NewInt(11155111)
	fake := ledgertest.New(chainID, testContract)
	gw, err := ledger.NewGateway(&ledger.GatewayConfig{
		Client:       fake,
		Contract:     testContract,
		ChainID:      chainID,
		PollInterval: 5 * time.Millisecond,
		MaxCalls:     4,
		Logger:       logger,
	})
	require.NoError(t, err)

	wallet, err := util.NewWallet()
	require.NoError(t, err)

	toolkit := &stubToolkit{}
	svc := services.NewService(&services.ServiceConfig{
		Store:           st,
		Ledger:          gw,
		Wallet:          wallet,
		Toolkit:         toolkit,
		FinalityTimeout: finalityTimeout,
		Logger:          logger,
		Clock:           clock,
	})

	router := NewAPIRouter("/", svc, []string{"https://registrar.example.edu"}, limiter, logger)
	return &testEnv{router: router, fake: fake, store: st, gateway: gw, toolkit: toolkit}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type stubToolkit struct {
	did    json.RawMessage
	vc     json.RawMessage
	result *external.VerifyResult
	err    error
}

func (s *stubToolkit) CreateDID(context.Context, external.DIDKind) (json.RawMessage, error) {
	return s.did, s.err
}

func (s *stubToolkit) IssueCredential(context.Context, string, map[string]any) (json.RawMessage, error) {
	return s.vc, s.err
}

func (s *stubToolkit) VerifyCredential(context.Context, json.RawMessage) (*external.VerifyResult, error) {
	return s.result, s.err
}
