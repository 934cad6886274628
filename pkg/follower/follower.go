package follower

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"erc20-relay/pkg/shared"
)

const (
	// Extra ring slots past the confirmation depth, headroom for bursts of
	// headers between release passes.
	ringMargin = 8

	maxReconnectBackoff = 60 * time.Second

	injectBuffer = 1024
)

var (
	ErrNotConnected = errors.New("follower is not connected")
	ErrBusy         = errors.New("follower ingest queue is full")
)

type Config struct {
	Chain         shared.Chain
	WSURL         string
	Token         common.Address
	Relay         common.Address
	Confirmations uint64

	// AnchorFrequency is set on the sidechain follower only; every confirmed
	// block whose number is a multiple of it produces an AnchorEvent.
	AnchorFrequency uint64

	Interval time.Duration // lookback re-scan cadence
	Timeout  time.Duration // per-block stall threshold

	MaxLookback    uint64 // startup catch-up depth in blocks
	LookbackMargin uint64 // periodic re-scan depth in blocks
}

// ChainClient is the slice of ethclient.Client the follower drives.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// DialFunc opens a fresh connection; the follower redials after transport
// faults.
type DialFunc func(ctx context.Context) (ChainClient, error)

// Follower maintains a live view of one chain and emits confirmed events to
// its bound dispatcher in strict (blockNumber, logIndex) order.
type Follower struct {
	cfg  Config
	dial DialFunc
	out  chan<- shared.ApprovalWork

	injectCh  chan shared.TransferEvent
	connected atomic.Bool

	ring        *ring
	latestHead  uint64
	lastEmitted uint64
	primed      bool
}

func New(cfg Config, dial DialFunc, out chan<- shared.ApprovalWork) *Follower {
	return &Follower{
		cfg:      cfg,
		dial:     dial,
		out:      out,
		injectCh: make(chan shared.TransferEvent, injectBuffer),
		ring:     newRing(cfg.Confirmations + ringMargin),
	}
}

// Start begins following. The done channel closes when the follower exits;
// the fatal channel carries at most one unrecoverable error (subscriptions
// refused by the node).
func (f *Follower) Start(ctx context.Context) (<-chan struct{}, <-chan error) {
	done := make(chan struct{})
	fatal := make(chan error, 1)

	go func() {
		defer close(done)
		defer close(fatal)

		backoff := time.Second
		for {
			err := f.follow(ctx)
			if ctx.Err() != nil {
				log.Info().Msgf("follower for %s shutting down", f.cfg.Chain)
				return
			}
			if errors.Is(err, rpc.ErrNotificationsUnsupported) {
				log.Error().Err(err).Msgf("node for %s refused subscriptions", f.cfg.Chain)
				fatal <- err
				return
			}
			log.Error().Err(err).Msgf("follower for %s disconnected, reconnecting in %s", f.cfg.Chain, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
		}
	}()

	return done, fatal
}

// Inject queues a transaction's transfer events rebuilt by the HTTP ingest
// endpoint. Events at or below the confirmed head are forwarded to the
// dispatcher directly, without a canonical-hash check; later events wait in
// the ring and are released like subscription logs.
func (f *Follower) Inject(ev shared.TransferEvent) error {
	if !f.connected.Load() {
		return ErrNotConnected
	}
	select {
	case f.injectCh <- ev:
		return nil
	default:
		return ErrBusy
	}
}

func (f *Follower) Connected() bool {
	return f.connected.Load()
}

// follow runs one connect-subscribe-consume session and returns on any
// transport fault; the Start loop handles the redial.
func (f *Follower) follow(ctx context.Context) error {
	client, err := f.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.Chain, err)
	}
	defer client.Close()

	heads := make(chan *types.Header, 64)
	headSub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribe newHeads on %s: %w", f.cfg.Chain, err)
	}
	defer headSub.Unsubscribe()

	logs := make(chan types.Log, 256)
	relayTopic := common.BytesToHash(f.cfg.Relay.Bytes())
	inSub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{f.cfg.Token},
		Topics:    [][]common.Hash{{shared.TransferTopic}, nil, {relayTopic}},
	}, logs)
	if err != nil {
		return fmt.Errorf("subscribe deposit logs on %s: %w", f.cfg.Chain, err)
	}
	defer inSub.Unsubscribe()

	outSub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{f.cfg.Token},
		Topics:    [][]common.Hash{{shared.TransferTopic}, {relayTopic}},
	}, logs)
	if err != nil {
		return fmt.Errorf("subscribe withdrawal logs on %s: %w", f.cfg.Chain, err)
	}
	defer outSub.Unsubscribe()

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head on %s: %w", f.cfg.Chain, err)
	}
	if head > f.latestHead {
		f.latestHead = head
	}
	scanAfter := f.lastEmitted
	if !f.primed {
		f.lastEmitted = f.confirmedHead()
		f.primed = true
		// Nothing has been emitted in this process yet: catch up over the
		// whole lookback window; finds at or below the confirmed head go out
		// through the stale drain.
		scanAfter = 0
	}

	log.Info().Msgf("following %s from block %d (head %d, %d confirmations)",
		f.cfg.Chain, f.lastEmitted, head, f.cfg.Confirmations)

	f.connected.Store(true)
	defer f.connected.Store(false)

	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	scanCh := make(chan shared.TransferEvent, 256)
	go newScanner(f.cfg, client, scanCh).run(scanCtx, scanAfter)

	stall := time.NewTimer(f.cfg.Timeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-headSub.Err():
			return fmt.Errorf("newHeads subscription on %s: %w", f.cfg.Chain, err)
		case err := <-inSub.Err():
			return fmt.Errorf("deposit log subscription on %s: %w", f.cfg.Chain, err)
		case err := <-outSub.Err():
			return fmt.Errorf("withdrawal log subscription on %s: %w", f.cfg.Chain, err)
		case hdr := <-heads:
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(f.cfg.Timeout)
			if err := f.handleHeader(ctx, client, hdr); err != nil {
				return err
			}
		case l := <-logs:
			f.handleLog(&l)
			if err := f.releaseStale(ctx, client); err != nil {
				return err
			}
		case ev := <-f.injectCh:
			if err := f.handleInject(ctx, ev); err != nil {
				return err
			}
		case ev := <-scanCh:
			f.ring.addEvent(ev)
			if err := f.releaseStale(ctx, client); err != nil {
				return err
			}
		case <-stall.C:
			return fmt.Errorf("no header from %s within %s", f.cfg.Chain, f.cfg.Timeout)
		}
	}
}

func (f *Follower) confirmedHead() uint64 {
	if f.latestHead < f.cfg.Confirmations {
		return 0
	}
	return f.latestHead - f.cfg.Confirmations
}

func (f *Follower) handleHeader(ctx context.Context, client ChainClient, hdr *types.Header) error {
	h := shared.BlockHeader{
		Number:     hdr.Number.Uint64(),
		Hash:       hdr.Hash(),
		ParentHash: hdr.ParentHash,
		Timestamp:  hdr.Time,
	}
	log.Debug().Msgf("%s header %d %s", f.cfg.Chain, h.Number, h.Hash.Hex())

	if prev, ok := f.ring.headerHash(h.Number - 1); ok && prev != h.ParentHash {
		log.Warn().Msgf("reorg on %s at block %d: parent %s does not extend %s",
			f.cfg.Chain, h.Number, h.ParentHash.Hex(), prev.Hex())
		if err := f.rewind(ctx, client, h.Number-1); err != nil {
			return err
		}
	}
	f.ring.setHeader(h)
	if h.Number > f.latestHead {
		f.latestHead = h.Number
	}
	return f.release(ctx, client)
}

// rewind walks back from height `from` to the deepest ancestor whose stored
// hash is still canonical, replaces the displaced headers, and refetches logs
// for the replaced range. Displaced events are dropped without emission.
func (f *Follower) rewind(ctx context.Context, client ChainClient, from uint64) error {
	fork := f.lastEmitted
	for n := from; n > f.lastEmitted; n-- {
		stored, ok := f.ring.headerHash(n)
		if !ok {
			continue
		}
		canon, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("fetch header %d on %s during rewind: %w", n, f.cfg.Chain, err)
		}
		if canon.Hash() == stored {
			fork = n
			break
		}
		f.ring.replaceHeader(shared.BlockHeader{
			Number:     n,
			Hash:       canon.Hash(),
			ParentHash: canon.ParentHash,
			Timestamp:  canon.Time,
		})
	}
	log.Info().Msgf("rewound %s to common ancestor at block %d", f.cfg.Chain, fork)
	return f.refetchRange(ctx, client, fork+1, from)
}

func (f *Follower) refetchRange(ctx context.Context, client ChainClient, from, to uint64) error {
	if from > to {
		return nil
	}
	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{f.cfg.Token},
		Topics:    [][]common.Hash{{shared.TransferTopic}},
	})
	if err != nil {
		return fmt.Errorf("refetch logs %d-%d on %s: %w", from, to, f.cfg.Chain, err)
	}
	for i := range logs {
		f.handleLog(&logs[i])
	}
	return nil
}

func (f *Follower) handleLog(l *types.Log) {
	if l.Removed {
		f.ring.removeEvent(l.BlockNumber, l.TxHash, l.Index, l.BlockHash)
		return
	}
	ev, err := shared.ParseTransferLog(f.cfg.Chain, f.cfg.Token, f.cfg.Relay, l)
	if err != nil {
		// Malformed log; it cannot be replayed usefully, skip it.
		log.Warn().Err(err).Msgf("skipping undecodable log on %s", f.cfg.Chain)
		return
	}
	if ev == nil {
		return
	}
	log.Info().Msgf("transfer on %s in tx %s at block %d, waiting for confirmations",
		f.cfg.Chain, ev.TxHash.Hex(), ev.BlockNumber)
	f.ring.addEvent(*ev)
}

func (f *Follower) handleInject(ctx context.Context, ev shared.TransferEvent) error {
	if f.primed && ev.BlockNumber <= f.confirmedHead() {
		return f.send(ctx, shared.ApprovalWork{Transfer: &ev})
	}
	f.ring.addEvent(ev)
	return nil
}

// release walks the contiguous range up to the confirmed head and emits each
// block's events, with an anchor for sidechain blocks on the anchor cadence.
func (f *Follower) release(ctx context.Context, client ChainClient) error {
	confirmed := f.confirmedHead()
	for n := f.lastEmitted + 1; n <= confirmed; n++ {
		hash, evs := f.ring.take(n)

		needAnchor := f.cfg.AnchorFrequency > 0 && n%f.cfg.AnchorFrequency == 0
		if needAnchor && hash == (common.Hash{}) {
			hdr, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
			if err != nil {
				return fmt.Errorf("fetch anchor header %d on %s: %w", n, f.cfg.Chain, err)
			}
			hash = hdr.Hash()
		}

		for i := range evs {
			ev := evs[i]
			if err := f.send(ctx, shared.ApprovalWork{Transfer: &ev}); err != nil {
				return err
			}
		}
		if needAnchor {
			if err := f.send(ctx, shared.ApprovalWork{Anchor: &shared.AnchorEvent{BlockHash: hash, BlockNumber: n}}); err != nil {
				return err
			}
		}
		f.lastEmitted = n
	}
	return f.releaseStale(ctx, client)
}

// releaseStale drains insertions at heights the live release pass has
// already gone past: lookback finds and late subscription logs. Each height
// is checked against the canonical header first, so a log recorded under a
// displaced hash still never gets out.
func (f *Follower) releaseStale(ctx context.Context, client ChainClient) error {
	limit := f.confirmedHead()
	if f.lastEmitted < limit {
		limit = f.lastEmitted
	}
	for _, n := range f.ring.staleHeights(limit) {
		canon, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("fetch header %d on %s for late release: %w", n, f.cfg.Chain, err)
		}
		f.ring.replaceHeader(shared.BlockHeader{
			Number:     n,
			Hash:       canon.Hash(),
			ParentHash: canon.ParentHash,
			Timestamp:  canon.Time,
		})
		_, evs := f.ring.take(n)
		for i := range evs {
			ev := evs[i]
			if err := f.send(ctx, shared.ApprovalWork{Transfer: &ev}); err != nil {
				return err
			}
		}
	}
	return nil
}

// send blocks when the dispatcher is behind; that backpressure throttles
// header processing instead of growing memory.
func (f *Follower) send(ctx context.Context, w shared.ApprovalWork) error {
	select {
	case f.out <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
