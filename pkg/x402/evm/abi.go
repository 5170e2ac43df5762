package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// transferWithAuthorizationABI is the ERC-3009 function this settler calls.
// receiveWithAuthorization is deliberately not offered: its on-chain check
// requires msg.sender == to, which the facilitator is not (see DESIGN.md).
const transferWithAuthorizationABI = `[{
	"constant": false,
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"name": "transferWithAuthorization",
	"outputs": [],
	"payable": false,
	"stateMutability": "nonpayable",
	"type": "function"
}]`

var tokenABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		panic("evm: parse transferWithAuthorization ABI: " + err.Error())
	}
	tokenABI = parsed
}

// PackTransferWithAuthorization encodes the calldata for one
// transferWithAuthorization(from, to, value, validAfter, validBefore,
// nonce, v, r, s) call.
func PackTransferWithAuthorization(auth Authorization, sig Signature) ([]byte, error) {
	return tokenABI.Pack(
		"transferWithAuthorization",
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.Nonce,
		sig.V,
		sig.R,
		sig.S,
	)
}

// Authorization is the parsed, chain-typed form of an ERC-3009
// transferWithAuthorization payload. It mirrors
// schema.EVMAuthorizationPayload but with Go/ABI-native types instead of
// wire strings.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}
