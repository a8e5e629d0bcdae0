// Package ledgertest provides an in-memory ledger client that executes the
// degree registry contract, for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/degree-anchor/anchor-api/ledger"
	"github.com/degree-anchor/anchor-api/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RPCError mimics a JSON-RPC error returned by a node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string  { return e.Message }
func (e *RPCError) ErrorCode() int { return e.Code }

// Ledger is a single-contract chain. Transactions with a future nonce are
// queued until the gap below them is filled. Pending transactions are mined
// immediately when AutoMine is set, otherwise on Mine.
type Ledger struct {
	ChainID  *big.Int
	Contract common.Address
	AutoMine bool
	GasPrice *big.Int

	// Injected failures, returned verbatim by the matching call when non-nil.
	NonceErr   error
	GasErr     error
	SendErr    error
	ReceiptErr error
	CallErr    error

	abi abi.ABI

	mu       sync.Mutex
	head     uint64
	nonces   map[common.Address]uint64
	mined    map[common.Address]uint64
	queued   map[common.Address]map[uint64]*types.Transaction
	mempool  []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	anchors  map[models.AnchorKey]bool
	sent     []*types.Transaction
	calls    int
}

func New(chainID *big.Int, contract common.Address) *Ledger {
	parsed, err := ledger.RegistryABI()
	if err != nil {
		panic(err)
	}
	return &Ledger{
		ChainID:  chainID,
		Contract: contract,
		AutoMine: true,
		GasPrice: big.NewInt(1_000_000_000),
		abi:      parsed,
		nonces:   make(map[common.Address]uint64),
		mined:    make(map[common.Address]uint64),
		queued:   make(map[common.Address]map[uint64]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
		anchors:  make(map[models.AnchorKey]bool),
	}
}

func (l *Ledger) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.NonceErr != nil {
		return 0, l.NonceErr
	}
	return l.nonces[account], nil
}

// NonceAt returns the number of transactions from account included in a
// block. Only the latest block is tracked.
func (l *Ledger) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.NonceErr != nil {
		return 0, l.NonceErr
	}
	return l.mined[account], nil
}

func (l *Ledger) SuggestGasPrice(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.GasErr != nil {
		return nil, l.GasErr
	}
	return new(big.Int).Set(l.GasPrice), nil
}

func (l *Ledger) SendTransaction(_ context.Context, tx *types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}

	sender, err := types.Sender(types.LatestSignerForChainID(l.ChainID), tx)
	if err != nil {
		return &RPCError{Code: -32000, Message: fmt.Sprintf("invalid sender: %v", err)}
	}
	for _, known := range l.sent {
		if known.Hash() == tx.Hash() {
			return &RPCError{Code: -32000, Message: "already known"}
		}
	}
	expected := l.nonces[sender]
	if tx.Nonce() < expected {
		return &RPCError{Code: -32000, Message: "nonce too low"}
	}
	if tx.To() == nil || *tx.To() != l.Contract {
		return &RPCError{Code: -32000, Message: "unknown contract"}
	}
	if _, err := l.decodeIssue(tx.Data()); err != nil {
		return &RPCError{Code: -32602, Message: err.Error()}
	}
	queue := l.queued[sender]
	if queue == nil {
		queue = make(map[uint64]*types.Transaction)
		l.queued[sender] = queue
	}
	if _, ok := queue[tx.Nonce()]; ok {
		return &RPCError{Code: -32000, Message: "replacement transaction underpriced"}
	}
	l.sent = append(l.sent, tx)

	// Future nonces wait until the gap below them is filled.
	queue[tx.Nonce()] = tx
	for {
		next, ok := queue[l.nonces[sender]]
		if !ok {
			break
		}
		delete(queue, l.nonces[sender])
		l.nonces[sender]++
		l.mempool = append(l.mempool, next)
	}
	if l.AutoMine {
		l.mineLocked()
	}
	return nil
}

func (l *Ledger) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReceiptErr != nil {
		return nil, l.ReceiptErr
	}
	r, ok := l.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (l *Ledger) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.CallErr != nil {
		return nil, l.CallErr
	}
	if msg.To == nil || *msg.To != l.Contract || len(msg.Data) < 4 {
		return nil, &RPCError{Code: 3, Message: "execution reverted"}
	}
	method, err := l.abi.MethodById(msg.Data[:4])
	if err != nil || method.Name != ledger.MethodVerify {
		return nil, &RPCError{Code: 3, Message: "execution reverted"}
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, &RPCError{Code: 3, Message: "execution reverted"}
	}
	key, ok := models.AnchorKeyFromBig(args[0].(*big.Int))
	if !ok {
		return nil, &RPCError{Code: 3, Message: "execution reverted"}
	}
	return method.Outputs.Pack(l.anchors[key])
}

func (l *Ledger) BlockNumber(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReceiptErr != nil {
		return 0, l.ReceiptErr
	}
	return l.head, nil
}

// Mine includes every mempool transaction in a new block.
func (l *Ledger) Mine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked()
}

// AdvanceBlocks mines n empty blocks.
func (l *Ledger) AdvanceBlocks(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head += n
}

func (l *Ledger) mineLocked() {
	if len(l.mempool) == 0 {
		return
	}
	l.head++
	blockHash := crypto.Keccak256Hash(new(big.Int).SetUint64(l.head).Bytes())
	signer := types.LatestSignerForChainID(l.ChainID)
	for i, tx := range l.mempool {
		if sender, err := types.Sender(signer, tx); err == nil && tx.Nonce() >= l.mined[sender] {
			l.mined[sender] = tx.Nonce() + 1
		}
		status := types.ReceiptStatusSuccessful
		fp, _ := l.decodeIssue(tx.Data())
		key := models.AnchorKey(crypto.Keccak256Hash([]byte(fp)))
		if l.anchors[key] {
			// The contract refuses to anchor the same degree twice.
			status = types.ReceiptStatusFailed
		} else {
			l.anchors[key] = true
		}
		l.receipts[tx.Hash()] = &types.Receipt{
			Status:           status,
			TxHash:           tx.Hash(),
			BlockNumber:      new(big.Int).SetUint64(l.head),
			BlockHash:        blockHash,
			GasUsed:          21000,
			TransactionIndex: uint(i),
		}
	}
	l.mempool = nil
}

func (l *Ledger) decodeIssue(data []byte) (string, error) {
	if len(data) < 4 {
		return "", errors.New("missing selector")
	}
	method, err := l.abi.MethodById(data[:4])
	if err != nil || method.Name != ledger.MethodIssue {
		return "", errors.New("unknown method")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", err
	}
	fp, ok := args[1].(string)
	if !ok {
		return "", errors.New("malformed fingerprint argument")
	}
	return fp, nil
}

// Anchor marks fp as anchored without a transaction, as if issued by someone else.
func (l *Ledger) Anchor(fp string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.anchors[models.AnchorKey(crypto.Keccak256Hash([]byte(fp)))] = true
}

// Sent returns every accepted transaction, queued ones included, in submission order.
func (l *Ledger) Sent() []*types.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*types.Transaction(nil), l.sent...)
}

// DecodeIssue returns the arguments of an issueDegree transaction.
func (l *Ledger) DecodeIssue(tx *types.Transaction) (studentID, fp string, issuedAt *big.Int, err error) {
	method := l.abi.Methods[ledger.MethodIssue]
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return "", "", nil, err
	}
	return args[0].(string), args[1].(string), args[2].(*big.Int), nil
}

// Calls returns the number of read-only contract calls served.
func (l *Ledger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *Ledger) SetNonceErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NonceErr = err
}
