package shared

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

type Chain int

const (
	Home Chain = iota
	Side
)

func (c Chain) String() string {
	switch c {
	case Home:
		return "home"
	case Side:
		return "side"
	default:
		return "unknown"
	}
}

// Peer returns the chain that approvals for events observed on c are
// submitted to.
func (c Chain) Peer() Chain {
	if c == Home {
		return Side
	}
	return Home
}

func ParseChain(s string) (Chain, bool) {
	switch strings.ToLower(s) {
	case "home":
		return Home, true
	case "side":
		return Side, true
	default:
		return 0, false
	}
}

type BlockHeader struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
}

// TransferEvent is an ERC20 Transfer touching the relay contract. TxHash
// alone is not unique across reorgs; identity is the
// (TxHash, BlockHash, BlockNumber) triple, see ID.
type TransferEvent struct {
	Chain       Chain
	TxHash      common.Hash
	BlockHash   common.Hash
	BlockNumber uint64
	LogIndex    uint
	From        common.Address
	To          common.Address
	Amount      *big.Int
}

// Destination is the account credited on the peer chain: the depositor.
func (e *TransferEvent) Destination() common.Address {
	return e.From
}

// ID hashes the identity triple the same way the relay contract keys
// withdrawals: keccak256(txHash . blockHash . uint256(blockNumber)).
func (e *TransferEvent) ID() common.Hash {
	var num [32]byte
	binary.BigEndian.PutUint64(num[24:], e.BlockNumber)
	h := sha3.NewLegacyKeccak256()
	h.Write(e.TxHash[:])
	h.Write(e.BlockHash[:])
	h.Write(num[:])
	return common.BytesToHash(h.Sum(nil))
}

// AnchorEvent marks a confirmed sidechain block whose hash gets committed to
// the homechain relay contract.
type AnchorEvent struct {
	BlockHash   common.Hash
	BlockNumber uint64
}

func (a *AnchorEvent) ID() common.Hash {
	var num [32]byte
	binary.BigEndian.PutUint64(num[24:], a.BlockNumber)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("anchor"))
	h.Write(a.BlockHash[:])
	h.Write(num[:])
	return common.BytesToHash(h.Sum(nil))
}

// ApprovalWork is one unit of cross-chain work handed from a follower to its
// bound dispatcher. Exactly one field is set.
type ApprovalWork struct {
	Transfer *TransferEvent
	Anchor   *AnchorEvent
}

func (w ApprovalWork) ID() common.Hash {
	if w.Transfer != nil {
		return w.Transfer.ID()
	}
	return w.Anchor.ID()
}
