package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"regexp"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"erc20-relay/pkg/shared"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Client is the slice of ethclient.Client the ingest endpoint drives.
type Client interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainEndpoint holds the per-chain handles the server needs: a read-only
// client and the follower's ingest hooks.
type ChainEndpoint struct {
	Chain     shared.Chain
	Client    Client
	Token     common.Address
	Relay     common.Address
	Account   common.Address
	Inject    func(shared.TransferEvent) error
	Connected func() bool
}

// Server accepts operator-driven re-injection of transactions missed beyond
// the lookback window, and reports relay status. It holds read-only handles
// to both followers; all state stays with them.
type Server struct {
	home *ChainEndpoint
	side *ChainEndpoint
	srv  *http.Server
}

func NewServer(port int, home, side *ChainEndpoint) *Server {
	s := &Server{home: home, side: side}
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() *gin.Engine {
	router := gin.Default()
	router.GET("/status", s.status)
	router.POST("/:chain/:txhash", s.resubmit)
	return router
}

// Start serves until Shutdown; listen failures are fatal, the endpoint is
// part of the operator contract.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ingest endpoint failed")
		}
	}()
	log.Info().Msgf("ingest endpoint listening on %s", s.srv.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) endpoint(chain shared.Chain) *ChainEndpoint {
	if chain == shared.Home {
		return s.home
	}
	return s.side
}

// resubmit re-materialises the Transfer events of a known transaction and
// feeds them to the follower; they then flow through the ordinary
// confirmation-and-dispatch path, where the dispatcher's dedup absorbs
// anything already approved.
func (s *Server) resubmit(c *gin.Context) {
	chain, ok := shared.ParseChain(c.Param("chain"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chain must be home or side"})
		return
	}
	raw := c.Param("txhash")
	if !txHashPattern.MatchString(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed transaction hash"})
		return
	}
	txHash := common.HexToHash(raw)

	ep := s.endpoint(chain)
	if !ep.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fmt.Sprintf("%s follower is disconnected", chain)})
		return
	}

	ctx := c.Request.Context()
	_, pending, err := ep.Client.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not known to the node"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if pending {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction is not mined yet"})
		return
	}

	receipt, err := ep.Client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction receipt not known to the node"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	queued := 0
	for _, l := range receipt.Logs {
		ev, err := shared.ParseTransferLog(chain, ep.Token, ep.Relay, l)
		if err != nil {
			log.Warn().Err(err).Msgf("skipping undecodable log in resubmitted tx %s", txHash.Hex())
			continue
		}
		if ev == nil {
			continue
		}
		if err := ep.Inject(*ev); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		queued++
	}
	log.Info().Msgf("resubmitted tx %s on %s, queued %d transfers", txHash.Hex(), chain, queued)
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

type statusResponse struct {
	HomeEth       *big.Int `json:"home_eth"`
	HomeToken     *big.Int `json:"home_token"`
	HomeLastBlock *uint64  `json:"home_last_block"`
	SideToken     *big.Int `json:"side_token"`
	SideLastBlock *uint64  `json:"side_last_block"`
}

// status reports account balances and head blocks for both chains.
// Every field is best-effort and null when its query fails.
func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	resp := statusResponse{}

	if bal, err := s.home.Client.BalanceAt(ctx, s.home.Account, nil); err == nil {
		resp.HomeEth = bal
	}
	resp.HomeToken = tokenBalance(ctx, s.home)
	resp.SideToken = tokenBalance(ctx, s.side)
	if n, err := s.home.Client.BlockNumber(ctx); err == nil {
		resp.HomeLastBlock = &n
	}
	if n, err := s.side.Client.BlockNumber(ctx); err == nil {
		resp.SideLastBlock = &n
	}

	c.JSON(http.StatusOK, resp)
}

func tokenBalance(ctx context.Context, ep *ChainEndpoint) *big.Int {
	out, err := ep.Client.CallContract(ctx, ethereum.CallMsg{
		To:   &ep.Token,
		Data: shared.PackBalanceOf(ep.Account),
	}, nil)
	if err != nil || len(out) < 32 {
		return nil
	}
	return new(big.Int).SetBytes(out[:32])
}
