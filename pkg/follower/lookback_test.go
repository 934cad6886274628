package follower

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erc20-relay/pkg/shared"
)

func historicalDeposit(n uint64, amount int64) types.Log {
	return types.Log{
		Address: testToken,
		Topics: []common.Hash{
			shared.TransferTopic,
			common.BytesToHash(alice.Bytes()),
			common.BytesToHash(testRelay.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		TxHash:      common.BytesToHash(big.NewInt(int64(n)).Bytes()),
		BlockHash:   common.BytesToHash([]byte{byte(n)}),
		BlockNumber: n,
	}
}

// A relay stopped for 500 blocks recovers the gap in ascending order, never
// asking for blocks past the confirmed head.
func TestScannerCatchUp(t *testing.T) {
	cfg := testConfig(shared.Home)
	cfg.MaxLookback = 10_000

	client := newFakeClient(1500)
	client.setHistorical(
		historicalDeposit(1100, 1),
		historicalDeposit(1200, 2),
	)

	sink := make(chan shared.TransferEvent, 16)
	s := newScanner(cfg, client, sink)

	require.NoError(t, s.catchUp(context.Background(), 1000))

	confirmed := uint64(1500 - 6)
	require.NotEmpty(t, client.queries)
	for _, q := range client.queries {
		assert.LessOrEqual(t, q.ToBlock.Uint64(), confirmed)
		assert.GreaterOrEqual(t, q.FromBlock.Uint64(), uint64(1001))
		assert.Equal(t, []common.Address{testToken}, q.Addresses)
	}

	ev1 := <-sink
	ev2 := <-sink
	assert.Equal(t, uint64(1100), ev1.BlockNumber)
	assert.Equal(t, uint64(1200), ev2.BlockNumber)
	select {
	case ev := <-sink:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestScannerCatchUpBoundedByMaxLookback(t *testing.T) {
	cfg := testConfig(shared.Home)
	cfg.MaxLookback = 100

	client := newFakeClient(5000)
	sink := make(chan shared.TransferEvent, 1)
	s := newScanner(cfg, client, sink)

	require.NoError(t, s.catchUp(context.Background(), 0))

	require.NotEmpty(t, client.queries)
	assert.Equal(t, uint64(4900), client.queries[0].FromBlock.Uint64())
}

func TestScannerCatchUpWindowsLargeRanges(t *testing.T) {
	cfg := testConfig(shared.Home)
	cfg.MaxLookback = 10_000

	client := newFakeClient(3006)
	sink := make(chan shared.TransferEvent, 1)
	s := newScanner(cfg, client, sink)

	require.NoError(t, s.catchUp(context.Background(), 0))

	// 1..3000 in windows of 1000.
	require.Len(t, client.queries, 3)
	assert.Equal(t, uint64(1), client.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(1000), client.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(1001), client.queries[1].FromBlock.Uint64())
	assert.Equal(t, uint64(2000), client.queries[1].ToBlock.Uint64())
	assert.Equal(t, uint64(2001), client.queries[2].FromBlock.Uint64())
	assert.Equal(t, uint64(3000), client.queries[2].ToBlock.Uint64())
}

func TestScannerRescanCoversMargin(t *testing.T) {
	cfg := testConfig(shared.Home)
	cfg.LookbackMargin = 100

	client := newFakeClient(1006)
	sink := make(chan shared.TransferEvent, 1)
	s := newScanner(cfg, client, sink)

	require.NoError(t, s.rescan(context.Background()))

	require.Len(t, client.queries, 1)
	assert.Equal(t, uint64(900), client.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(1000), client.queries[0].ToBlock.Uint64())
}

// End to end through the follower: lookback insertions pass the same ring
// and come out in block order.
func TestFollowerReleasesLookbackFinds(t *testing.T) {
	cfg := testConfig(shared.Home)
	cfg.MaxLookback = 1000

	client := newFakeClient(600)
	client.setHistorical(
		historicalDeposit(300, 3),
		historicalDeposit(100, 1),
		historicalDeposit(200, 2),
	)

	out := make(chan shared.ApprovalWork, 16)
	f := New(cfg, func(ctx context.Context) (ChainClient, error) { return client, nil }, out)
	// Pretend a previous session stopped at block 50.
	f.latestHead = 50
	f.lastEmitted = 44
	f.primed = true

	ctx, cancel := context.WithCancel(context.Background())
	done, _ := f.Start(ctx)
	defer func() { cancel(); <-done }()

	// Wait for the catch-up scan to land in the ring, then let a fresh
	// header drive the release pass over the recovered range.
	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.queries) > 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	head := makeChain(601, 601, common.HexToHash("0x99"), 'a')[0]
	client.setCanonical(head)
	client.pushHeader(t, head)

	works := collect(t, out, 3)
	var numbers []uint64
	for _, w := range works {
		require.NotNil(t, w.Transfer)
		numbers = append(numbers, w.Transfer.BlockNumber)
	}
	assert.Equal(t, []uint64{100, 200, 300}, numbers)
}
