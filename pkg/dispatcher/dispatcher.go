package dispatcher

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"erc20-relay/pkg/shared"
)

type Config struct {
	// Chain transactions are submitted on; work items arrive from the peer
	// chain's follower (plus sidechain anchors when Chain is home).
	Chain   shared.Chain
	ChainID *big.Int
	Relay   common.Address

	Free     bool // zero gas price chain
	GasLimit uint64

	MaxRetries      int
	ReceiptAttempts int
	PollInterval    time.Duration
}

// EthClient is the slice of ethclient.Client the dispatcher drives.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dispatcher converts confirmed events into signed, submitted transactions
// on its chain. It is the sole owner of the account nonce there; nextNonce,
// inFlight and seen are touched only from the Start goroutine.
type Dispatcher struct {
	cfg      Config
	client   EthClient
	key      *ecdsa.PrivateKey
	account  common.Address
	workCh   <-chan shared.ApprovalWork
	onSubmit func(kind string)

	nextNonce uint64
	inFlight  map[uint64]common.Hash
	seen      map[common.Hash]struct{}
}

func New(cfg Config, client EthClient, key *ecdsa.PrivateKey, workCh <-chan shared.ApprovalWork) *Dispatcher {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ReceiptAttempts == 0 {
		cfg.ReceiptAttempts = 20
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   client,
		key:      key,
		account:  crypto.PubkeyToAddress(key.PublicKey),
		workCh:   workCh,
		inFlight: make(map[uint64]common.Hash),
		seen:     make(map[common.Hash]struct{}),
	}
}

// OnSubmit registers a hook invoked after each accepted submission, keyed
// "approval" or "anchor".
func (d *Dispatcher) OnSubmit(fn func(kind string)) {
	d.onSubmit = fn
}

// Start validates the connection and begins draining the work channel. A
// chain id mismatch is unrecoverable and reported synchronously.
func (d *Dispatcher) Start(ctx context.Context) (<-chan struct{}, error) {
	chainID, err := d.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id for %s: %w", d.cfg.Chain, err)
	}
	if d.cfg.ChainID != nil && chainID.Cmp(d.cfg.ChainID) != 0 {
		return nil, fmt.Errorf("chain id mismatch on %s: configured %s, node reports %s",
			d.cfg.Chain, d.cfg.ChainID, chainID)
	}
	d.cfg.ChainID = chainID

	d.nextNonce, err = d.client.PendingNonceAt(ctx, d.account)
	if err != nil {
		return nil, fmt.Errorf("get transaction count for %s on %s: %w", d.account.Hex(), d.cfg.Chain, err)
	}

	log.Info().Msgf("starting dispatcher for %s (chain id %s, account %s, nonce %d)",
		d.cfg.Chain, chainID, d.account.Hex(), d.nextNonce)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				log.Info().Msgf("dispatcher for %s shutting down", d.cfg.Chain)
				return
			case work, ok := <-d.workCh:
				if !ok {
					log.Info().Msgf("work channel closed, dispatcher for %s exiting", d.cfg.Chain)
					return
				}
				d.handle(ctx, work)
			}
		}
	}()
	return done, nil
}

func (d *Dispatcher) handle(ctx context.Context, work shared.ApprovalWork) {
	id := work.ID()
	if _, ok := d.seen[id]; ok {
		log.Debug().Msgf("already submitted %s on %s, skipping", id.Hex(), d.cfg.Chain)
		return
	}

	var (
		data []byte
		kind string
		err  error
	)
	switch {
	case work.Transfer != nil:
		kind = "approval"
		t := work.Transfer
		log.Info().Msgf("approving withdrawal on %s: %s -> %s, amount %s, tx %s, block %d",
			d.cfg.Chain, t.Chain, t.Destination().Hex(), t.Amount, t.TxHash.Hex(), t.BlockNumber)
		if d.alreadyProcessed(ctx, id) {
			log.Info().Msgf("withdrawal %s already processed on %s, skipping", id.Hex(), d.cfg.Chain)
			d.seen[id] = struct{}{}
			return
		}
		data, err = shared.PackApproveWithdrawal(t)
	case work.Anchor != nil:
		kind = "anchor"
		log.Info().Msgf("anchoring block %d (%s) on %s",
			work.Anchor.BlockNumber, work.Anchor.BlockHash.Hex(), d.cfg.Chain)
		data, err = shared.PackAnchor(work.Anchor)
	default:
		return
	}
	if err != nil {
		log.Error().Err(err).Msgf("failed to encode %s call on %s", kind, d.cfg.Chain)
		return
	}

	if err := d.submit(ctx, data, kind); err != nil {
		log.Error().Err(err).Msgf("dropping %s work item %s on %s", kind, id.Hex(), d.cfg.Chain)
		return
	}
	d.seen[id] = struct{}{}
	if d.onSubmit != nil {
		d.onSubmit(kind)
	}
}

// alreadyProcessed is a best-effort read of the contract's withdrawals
// mapping; any failure falls through to submission, where the contract's own
// checks decide.
func (d *Dispatcher) alreadyProcessed(ctx context.Context, id common.Hash) bool {
	data, err := shared.RelayABI.Pack("withdrawals", [32]byte(id))
	if err != nil {
		return false
	}
	out, err := d.client.CallContract(ctx, ethereum.CallMsg{To: &d.cfg.Relay, Data: data}, nil)
	if err != nil {
		return false
	}
	w, err := shared.UnpackWithdrawal(out)
	if err != nil {
		return false
	}
	return w.Processed
}

func (d *Dispatcher) submit(ctx context.Context, data []byte, kind string) error {
	backoff := d.cfg.PollInterval
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		gasPrice := big.NewInt(0)
		if !d.cfg.Free {
			price, err := d.client.SuggestGasPrice(ctx)
			if err != nil {
				log.Warn().Err(err).Msgf("failed to fetch gas price on %s, retrying", d.cfg.Chain)
				continue
			}
			gasPrice = price
		}

		tx, err := shared.SignCall(d.key, d.cfg.ChainID, d.nextNonce, d.cfg.Relay, d.cfg.GasLimit, gasPrice, data)
		if err != nil {
			return fmt.Errorf("sign %s transaction: %w", kind, err)
		}

		err = d.client.SendTransaction(ctx, tx)
		switch {
		case err == nil:
			log.Info().Msgf("%s tx sent on %s: hash %s, nonce %d", kind, d.cfg.Chain, tx.Hash().Hex(), tx.Nonce())
			d.inFlight[tx.Nonce()] = tx.Hash()
			d.nextNonce++
			d.awaitReceipt(ctx, tx.Nonce(), tx.Hash(), kind)
			return nil

		case isNonceTooLow(err):
			refreshed, nerr := d.client.PendingNonceAt(ctx, d.account)
			if nerr != nil {
				log.Warn().Err(nerr).Msgf("failed to refresh nonce on %s", d.cfg.Chain)
				continue
			}
			log.Warn().Msgf("stale nonce %d on %s, refreshed to %d", tx.Nonce(), d.cfg.Chain, refreshed)
			for n := range d.inFlight {
				if n < refreshed {
					delete(d.inFlight, n)
				}
			}
			d.nextNonce = refreshed

		case isAlreadyKnown(err):
			// An identical transaction is in the pool; it will mine.
			log.Info().Msgf("%s tx already known on %s: hash %s, nonce %d", kind, d.cfg.Chain, tx.Hash().Hex(), tx.Nonce())
			d.inFlight[tx.Nonce()] = tx.Hash()
			d.nextNonce++
			d.awaitReceipt(ctx, tx.Nonce(), tx.Hash(), kind)
			return nil

		default:
			log.Warn().Err(err).Msgf("failed to send %s tx on %s (attempt %d), retrying", kind, d.cfg.Chain, attempt+1)
		}
	}
	return fmt.Errorf("gave up submitting %s after %d attempts", kind, d.cfg.MaxRetries+1)
}

// awaitReceipt retires the work item once mined. Reverts are contract-policy
// rejections (duplicate approval, already processed) and benign in a
// federation.
func (d *Dispatcher) awaitReceipt(ctx context.Context, nonce uint64, txHash common.Hash, kind string) {
	defer delete(d.inFlight, nonce)

	for i := 0; i < d.cfg.ReceiptAttempts; i++ {
		receipt, err := d.client.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				log.Info().Msgf("%s tx %s mined on %s in block %s", kind, txHash.Hex(), d.cfg.Chain, receipt.BlockNumber)
			} else {
				log.Warn().Msgf("%s tx %s reverted on %s; the contract rejected it (likely already approved)",
					kind, txHash.Hex(), d.cfg.Chain)
			}
			return
		}
		if err != nil && !isNotFound(err) {
			log.Warn().Err(err).Msgf("failed to fetch receipt for %s tx %s on %s", kind, txHash.Hex(), d.cfg.Chain)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
	log.Warn().Msgf("%s tx %s not mined on %s after %d attempts, moving on",
		kind, txHash.Hex(), d.cfg.Chain, d.cfg.ReceiptAttempts)
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(err.Error(), "nonce too low")
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}
