package shared

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SignCall builds and signs an EIP-155 contract call carrying no value.
// The caller owns the nonce; nothing here consults the node.
func SignCall(
	privateKey *ecdsa.PrivateKey,
	chainID *big.Int,
	nonce uint64,
	to common.Address,
	gasLimit uint64,
	gasPrice *big.Int,
	data []byte,
) (*types.Transaction, error) {
	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	return types.SignTx(tx, types.NewEIP155Signer(chainID), privateKey)
}
