package shared

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ABI of the on-chain ERC20Relay contract. The contract is external and
// fixed; only the surface the relay drives is declared here.
const relayABIJSON = `[
	{"type":"function","name":"approveWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"destination","type":"address"},{"name":"amount","type":"uint256"},{"name":"txHash","type":"bytes32"},{"name":"blockHash","type":"bytes32"},{"name":"blockNumber","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"unapproveWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"txHash","type":"bytes32"},{"name":"blockHash","type":"bytes32"},{"name":"blockNumber","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"anchor","stateMutability":"nonpayable","inputs":[{"name":"blockHash","type":"bytes32"},{"name":"blockNumber","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"unanchor","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"withdrawals","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"destination","type":"address"},{"name":"amount","type":"uint256"},{"name":"processed","type":"bool"}]},
	{"type":"event","name":"WithdrawalProcessed","anonymous":false,"inputs":[{"name":"destination","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"txHash","type":"bytes32","indexed":false},{"name":"blockHash","type":"bytes32","indexed":false},{"name":"blockNumber","type":"uint256","indexed":false}]},
	{"type":"event","name":"AnchoredBlock","anonymous":false,"inputs":[{"name":"blockHash","type":"bytes32","indexed":true},{"name":"blockNumber","type":"uint256","indexed":true}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	RelayABI = mustParseABI(relayABIJSON)
	ERC20ABI = mustParseABI(erc20ABIJSON)

	// Topic of ERC20 Transfer(address,address,uint256).
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func PackApproveWithdrawal(ev *TransferEvent) ([]byte, error) {
	return RelayABI.Pack("approveWithdrawal",
		ev.Destination(),
		ev.Amount,
		[32]byte(ev.TxHash),
		[32]byte(ev.BlockHash),
		new(big.Int).SetUint64(ev.BlockNumber),
	)
}

func PackAnchor(a *AnchorEvent) ([]byte, error) {
	return RelayABI.Pack("anchor",
		[32]byte(a.BlockHash),
		new(big.Int).SetUint64(a.BlockNumber),
	)
}

func PackBalanceOf(owner common.Address) []byte {
	data, err := ERC20ABI.Pack("balanceOf", owner)
	if err != nil {
		panic(err)
	}
	return data
}

// Withdrawal mirrors the relay contract's withdrawals mapping entry.
type Withdrawal struct {
	Destination common.Address
	Amount      *big.Int
	Processed   bool
}

func UnpackWithdrawal(data []byte) (*Withdrawal, error) {
	out, err := RelayABI.Unpack("withdrawals", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("unexpected withdrawals output arity: %d", len(out))
	}
	w := &Withdrawal{}
	var ok bool
	if w.Destination, ok = out[0].(common.Address); !ok {
		return nil, fmt.Errorf("withdrawals: bad destination type %T", out[0])
	}
	if w.Amount, ok = out[1].(*big.Int); !ok {
		return nil, fmt.Errorf("withdrawals: bad amount type %T", out[1])
	}
	if w.Processed, ok = out[2].(bool); !ok {
		return nil, fmt.Errorf("withdrawals: bad processed flag type %T", out[2])
	}
	return w, nil
}

// ParseTransferLog decodes a raw log into a TransferEvent if it is a Transfer
// on the given token with the relay contract on either side. Returns
// (nil, nil) for logs that are well formed but not relevant, including
// mints and burns (zero counterparty). An error means the log claims to be a
// Transfer but cannot be decoded.
func ParseTransferLog(chain Chain, token, relay common.Address, l *types.Log) (*TransferEvent, error) {
	if l.Address != token || len(l.Topics) == 0 || l.Topics[0] != TransferTopic {
		return nil, nil
	}
	if len(l.Topics) != 3 {
		return nil, fmt.Errorf("transfer log %s has %d topics, want 3", l.TxHash.Hex(), len(l.Topics))
	}
	if len(l.Data) < 32 {
		return nil, fmt.Errorf("transfer log %s has short data (%d bytes)", l.TxHash.Hex(), len(l.Data))
	}
	from := common.BytesToAddress(l.Topics[1].Bytes())
	to := common.BytesToAddress(l.Topics[2].Bytes())
	if from != relay && to != relay {
		return nil, nil
	}
	// Mints into and burns out of the relay contract carry a zero
	// counterparty and have no destination to approve.
	if from == (common.Address{}) || to == (common.Address{}) {
		return nil, nil
	}
	return &TransferEvent{
		Chain:       chain,
		TxHash:      l.TxHash,
		BlockHash:   l.BlockHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		From:        from,
		To:          to,
		Amount:      new(big.Int).SetBytes(l.Data[:32]),
	}, nil
}
