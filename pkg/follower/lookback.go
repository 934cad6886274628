package follower

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"erc20-relay/pkg/shared"
)

// lookbackWindow bounds a single eth_getLogs request.
const lookbackWindow = 1000

// scanner replays historical block ranges to recover events the
// subscription stream missed: once per connection over the catch-up range, then
// every Interval over a small margin behind the confirmed head. It only ever
// inserts into the follower's pending ring; emission and ordering stay with
// the follower.
type scanner struct {
	cfg    Config
	client ChainClient
	sink   chan<- shared.TransferEvent
}

func newScanner(cfg Config, client ChainClient, sink chan<- shared.TransferEvent) *scanner {
	return &scanner{cfg: cfg, client: client, sink: sink}
}

func (s *scanner) run(ctx context.Context, lastEmitted uint64) {
	if err := s.catchUp(ctx, lastEmitted); err != nil {
		log.Error().Err(err).Msgf("lookback catch-up on %s failed", s.cfg.Chain)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.rescan(ctx); err != nil {
				log.Error().Err(err).Msgf("lookback re-scan on %s failed", s.cfg.Chain)
			}
		}
	}
}

// catchUp covers [max(head-MaxLookback, lastEmitted+1), confirmedHead].
func (s *scanner) catchUp(ctx context.Context, lastEmitted uint64) error {
	head, confirmed, err := s.heads(ctx)
	if err != nil {
		return err
	}
	from := uint64(0)
	if head > s.cfg.MaxLookback {
		from = head - s.cfg.MaxLookback
	}
	if lastEmitted+1 > from {
		from = lastEmitted + 1
	}
	return s.scanRange(ctx, from, confirmed)
}

// rescan covers [confirmedHead-LookbackMargin, confirmedHead] to recover
// anything the subscription stream dropped since the last pass.
func (s *scanner) rescan(ctx context.Context) error {
	_, confirmed, err := s.heads(ctx)
	if err != nil {
		return err
	}
	from := uint64(0)
	if confirmed > s.cfg.LookbackMargin {
		from = confirmed - s.cfg.LookbackMargin
	}
	return s.scanRange(ctx, from, confirmed)
}

func (s *scanner) heads(ctx context.Context) (head, confirmed uint64, err error) {
	head, err = s.client.BlockNumber(ctx)
	if err != nil {
		return 0, 0, err
	}
	if head >= s.cfg.Confirmations {
		confirmed = head - s.cfg.Confirmations
	}
	return head, confirmed, nil
}

// scanRange never requests blocks beyond the confirmed head the caller
// computed; windows keep individual eth_getLogs requests bounded.
func (s *scanner) scanRange(ctx context.Context, from, to uint64) error {
	for start := from; start <= to; start += lookbackWindow {
		end := start + lookbackWindow - 1
		if end > to {
			end = to
		}
		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{s.cfg.Token},
			Topics:    [][]common.Hash{{shared.TransferTopic}},
		})
		if err != nil {
			return err
		}
		found := 0
		for i := range logs {
			ev, err := shared.ParseTransferLog(s.cfg.Chain, s.cfg.Token, s.cfg.Relay, &logs[i])
			if err != nil {
				log.Warn().Err(err).Msgf("skipping undecodable log on %s during lookback", s.cfg.Chain)
				continue
			}
			if ev == nil {
				continue
			}
			found++
			select {
			case s.sink <- *ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if found > 0 {
			log.Info().Msgf("lookback on %s found %d transfers in blocks %d-%d", s.cfg.Chain, found, start, end)
		}
	}
	return nil
}
