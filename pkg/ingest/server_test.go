package ingest

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erc20-relay/pkg/shared"
)

var (
	testToken   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testRelay   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testAccount = common.HexToAddress("0x5000000000000000000000000000000000000005")
	alice       = common.HexToAddress("0x3000000000000000000000000000000000000003")

	knownTx = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClient struct {
	txs      map[common.Hash]bool // hash -> pending
	receipts map[common.Hash]*types.Receipt
	head     uint64
	balance  *big.Int
	callOut  []byte
	rpcErr   error
}

func (f *fakeClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if f.rpcErr != nil {
		return nil, false, f.rpcErr
	}
	pending, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return types.NewTransaction(0, testToken, big.NewInt(0), 21000, big.NewInt(1), nil), pending, nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.rpcErr != nil {
		return nil, f.rpcErr
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if f.rpcErr != nil {
		return 0, f.rpcErr
	}
	return f.head, nil
}

func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if f.rpcErr != nil || f.balance == nil {
		return nil, ethereum.NotFound
	}
	return f.balance, nil
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.rpcErr != nil || f.callOut == nil {
		return nil, ethereum.NotFound
	}
	return f.callOut, nil
}

func depositReceipt(txHash common.Hash) *types.Receipt {
	return &types.Receipt{
		TxHash:      txHash,
		BlockNumber: big.NewInt(100),
		Logs: []*types.Log{
			{
				Address: testToken,
				Topics: []common.Hash{
					shared.TransferTopic,
					common.BytesToHash(alice.Bytes()),
					common.BytesToHash(testRelay.Bytes()),
				},
				Data:        common.LeftPadBytes(big.NewInt(500).Bytes(), 32),
				TxHash:      txHash,
				BlockHash:   common.HexToHash("0xbeef"),
				BlockNumber: 100,
				Index:       1,
			},
			// Unrelated log in the same tx.
			{
				Address: alice,
				Topics:  []common.Hash{common.HexToHash("0x01")},
			},
		},
	}
}

type harness struct {
	server   *Server
	home     *fakeClient
	side     *fakeClient
	injected []shared.TransferEvent
	inerrs   []error
	up       bool
}

func newHarness() *harness {
	h := &harness{
		home: &fakeClient{
			txs:      map[common.Hash]bool{knownTx: false},
			receipts: map[common.Hash]*types.Receipt{knownTx: depositReceipt(knownTx)},
			head:     106,
			balance:  big.NewInt(1000),
		},
		side: &fakeClient{
			txs:      map[common.Hash]bool{},
			receipts: map[common.Hash]*types.Receipt{},
			head:     206,
		},
		up: true,
	}
	inject := func(ev shared.TransferEvent) error {
		if len(h.inerrs) > 0 {
			err := h.inerrs[0]
			h.inerrs = h.inerrs[1:]
			return err
		}
		h.injected = append(h.injected, ev)
		return nil
	}
	connected := func() bool { return h.up }

	h.server = &Server{
		home: &ChainEndpoint{
			Chain: shared.Home, Client: h.home,
			Token: testToken, Relay: testRelay, Account: testAccount,
			Inject: inject, Connected: connected,
		},
		side: &ChainEndpoint{
			Chain: shared.Side, Client: h.side,
			Token: testToken, Relay: testRelay, Account: testAccount,
			Inject: inject, Connected: connected,
		},
	}
	return h
}

func (h *harness) post(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodPost, path, nil)
	require.NoError(t, err)
	h.server.router().ServeHTTP(w, req)
	return w
}

func TestResubmitAccepted(t *testing.T) {
	h := newHarness()
	w := h.post(t, "/home/"+knownTx.Hex())

	assert.Equal(t, http.StatusAccepted, w.Code)

	var body map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body["queued"])

	require.Len(t, h.injected, 1)
	ev := h.injected[0]
	assert.Equal(t, shared.Home, ev.Chain)
	assert.Equal(t, alice, ev.From)
	assert.Equal(t, big.NewInt(500), ev.Amount)
	assert.Equal(t, uint64(100), ev.BlockNumber)
}

func TestResubmitChainIsCaseInsensitive(t *testing.T) {
	h := newHarness()
	w := h.post(t, "/HOME/"+knownTx.Hex())
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestResubmitBadChain(t *testing.T) {
	h := newHarness()
	w := h.post(t, "/mainnet/"+knownTx.Hex())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResubmitBadHash(t *testing.T) {
	h := newHarness()

	w := h.post(t, "/home/nothex")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.post(t, "/home/0x1234") // too short
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResubmitUnknownTx(t *testing.T) {
	h := newHarness()
	missing := common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")
	w := h.post(t, "/home/"+missing.Hex())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResubmitPendingTx(t *testing.T) {
	h := newHarness()
	h.home.txs[knownTx] = true
	w := h.post(t, "/home/"+knownTx.Hex())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResubmitFollowerDisconnected(t *testing.T) {
	h := newHarness()
	h.up = false
	w := h.post(t, "/home/"+knownTx.Hex())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestResubmitFollowerBusy(t *testing.T) {
	h := newHarness()
	h.inerrs = []error{context.DeadlineExceeded}
	w := h.post(t, "/home/"+knownTx.Hex())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// Replaying an already-processed transaction still answers 202; dedup lives
// downstream in the dispatcher.
func TestResubmitReplayStillAccepted(t *testing.T) {
	h := newHarness()
	for i := 0; i < 2; i++ {
		w := h.post(t, "/home/"+knownTx.Hex())
		assert.Equal(t, http.StatusAccepted, w.Code)
	}
	assert.Len(t, h.injected, 2)
}

func TestStatus(t *testing.T) {
	h := newHarness()
	h.home.callOut = common.LeftPadBytes(big.NewInt(42).Bytes(), 32)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/status", nil)
	require.NoError(t, err)
	h.server.router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		HomeEth       *big.Int `json:"home_eth"`
		HomeToken     *big.Int `json:"home_token"`
		HomeLastBlock *uint64  `json:"home_last_block"`
		SideToken     *big.Int `json:"side_token"`
		SideLastBlock *uint64  `json:"side_last_block"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, big.NewInt(1000), body.HomeEth)
	assert.Equal(t, big.NewInt(42), body.HomeToken)
	require.NotNil(t, body.HomeLastBlock)
	assert.Equal(t, uint64(106), *body.HomeLastBlock)
	require.NotNil(t, body.SideLastBlock)
	assert.Equal(t, uint64(206), *body.SideLastBlock)
	// The side token query failed; the field degrades to null.
	assert.Nil(t, body.SideToken)
}
