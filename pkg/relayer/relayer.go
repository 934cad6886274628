package relayer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"erc20-relay/pkg/dispatcher"
	"erc20-relay/pkg/follower"
	"erc20-relay/pkg/ingest"
	"erc20-relay/pkg/shared"
)

const workBuffer = 1024

type ChainOptions struct {
	WSURL          string
	ChainID        *big.Int
	Token          common.Address
	Relay          common.Address
	Free           bool
	Interval       time.Duration
	Timeout        time.Duration
	GasLimit       uint64
	MaxLookback    uint64
	LookbackMargin uint64
}

type Options struct {
	PrivateKey      *ecdsa.PrivateKey
	Account         common.Address
	Port            int
	Confirmations   uint64
	AnchorFrequency uint64
	Homechain       ChainOptions
	Sidechain       ChainOptions
}

// Relayer wires the two chain followers to the two dispatchers through
// bounded channels and runs the ingest endpoint over both. Events observed
// on one chain are approved on the peer; sidechain anchors land on home.
type Relayer struct {
	opts    *Options
	metrics *Metrics

	cancel     context.CancelFunc
	homeClient *ethclient.Client
	sideClient *ethclient.Client
	server     *ingest.Server
	done       []<-chan struct{}
}

func NewRelayer(opts *Options) *Relayer {
	return &Relayer{
		opts:    opts,
		metrics: NewMetricsFromEnv(opts.Account.Hex()),
	}
}

// Start connects, validates both chains and launches every task. The
// returned channel carries unrecoverable runtime errors (a follower whose
// node refuses subscriptions); startup validation errors are returned
// directly.
func (r *Relayer) Start(ctx context.Context) (<-chan error, error) {
	ctx, r.cancel = context.WithCancel(ctx)

	var err error
	r.homeClient, err = ethclient.DialContext(ctx, r.opts.Homechain.WSURL)
	if err != nil {
		return nil, fmt.Errorf("dial homechain: %w", err)
	}
	r.sideClient, err = ethclient.DialContext(ctx, r.opts.Sidechain.WSURL)
	if err != nil {
		return nil, fmt.Errorf("dial sidechain: %w", err)
	}

	// Work observed on home is submitted on side and vice versa; sidechain
	// anchors ride the side follower's channel to the home dispatcher.
	toSide := make(chan shared.ApprovalWork, workBuffer)
	toHome := make(chan shared.ApprovalWork, workBuffer)

	sideDispatcher := dispatcher.New(dispatcher.Config{
		Chain:    shared.Side,
		ChainID:  r.opts.Sidechain.ChainID,
		Relay:    r.opts.Sidechain.Relay,
		Free:     r.opts.Sidechain.Free,
		GasLimit: r.opts.Sidechain.GasLimit,
	}, r.sideClient, r.opts.PrivateKey, toSide)
	homeDispatcher := dispatcher.New(dispatcher.Config{
		Chain:    shared.Home,
		ChainID:  r.opts.Homechain.ChainID,
		Relay:    r.opts.Homechain.Relay,
		Free:     r.opts.Homechain.Free,
		GasLimit: r.opts.Homechain.GasLimit,
	}, r.homeClient, r.opts.PrivateKey, toHome)
	if r.metrics != nil {
		sideDispatcher.OnSubmit(r.metrics.SubmissionHook(shared.Side))
		homeDispatcher.OnSubmit(r.metrics.SubmissionHook(shared.Home))
	}

	sideDone, err := sideDispatcher.Start(ctx)
	if err != nil {
		return nil, err
	}
	homeDone, err := homeDispatcher.Start(ctx)
	if err != nil {
		return nil, err
	}

	homeFollower := follower.New(follower.Config{
		Chain:          shared.Home,
		WSURL:          r.opts.Homechain.WSURL,
		Token:          r.opts.Homechain.Token,
		Relay:          r.opts.Homechain.Relay,
		Confirmations:  r.opts.Confirmations,
		Interval:       r.opts.Homechain.Interval,
		Timeout:        r.opts.Homechain.Timeout,
		MaxLookback:    r.opts.Homechain.MaxLookback,
		LookbackMargin: r.opts.Homechain.LookbackMargin,
	}, dialFunc(r.opts.Homechain.WSURL), toSide)
	sideFollower := follower.New(follower.Config{
		Chain:           shared.Side,
		WSURL:           r.opts.Sidechain.WSURL,
		Token:           r.opts.Sidechain.Token,
		Relay:           r.opts.Sidechain.Relay,
		Confirmations:   r.opts.Confirmations,
		AnchorFrequency: r.opts.AnchorFrequency,
		Interval:        r.opts.Sidechain.Interval,
		Timeout:         r.opts.Sidechain.Timeout,
		MaxLookback:     r.opts.Sidechain.MaxLookback,
		LookbackMargin:  r.opts.Sidechain.LookbackMargin,
	}, dialFunc(r.opts.Sidechain.WSURL), toHome)

	homeFollowerDone, homeFatal := homeFollower.Start(ctx)
	sideFollowerDone, sideFatal := sideFollower.Start(ctx)

	r.server = ingest.NewServer(r.opts.Port,
		&ingest.ChainEndpoint{
			Chain:     shared.Home,
			Client:    r.homeClient,
			Token:     r.opts.Homechain.Token,
			Relay:     r.opts.Homechain.Relay,
			Account:   r.opts.Account,
			Inject:    homeFollower.Inject,
			Connected: homeFollower.Connected,
		},
		&ingest.ChainEndpoint{
			Chain:     shared.Side,
			Client:    r.sideClient,
			Token:     r.opts.Sidechain.Token,
			Relay:     r.opts.Sidechain.Relay,
			Account:   r.opts.Account,
			Inject:    sideFollower.Inject,
			Connected: sideFollower.Connected,
		})
	r.server.Start()

	r.done = []<-chan struct{}{sideDone, homeDone, homeFollowerDone, sideFollowerDone}

	errCh := make(chan error, 2)
	go forward(homeFatal, errCh)
	go forward(sideFatal, errCh)
	return errCh, nil
}

func forward(from <-chan error, to chan<- error) {
	for err := range from {
		to <- err
	}
}

func dialFunc(wsurl string) follower.DialFunc {
	return func(ctx context.Context) (follower.ChainClient, error) {
		return ethclient.DialContext(ctx, wsurl)
	}
}

// TryCloseAll cancels every task, drains their done channels and closes the
// shared connections.
func (r *Relayer) TryCloseAll() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down ingest endpoint")
		}
	}
	for _, done := range r.done {
		<-done
	}
	if r.homeClient != nil {
		r.homeClient.Close()
	}
	if r.sideClient != nil {
		r.sideClient.Close()
	}
	return nil
}
