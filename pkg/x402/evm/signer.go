package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// KeyResolver returns the private key material (hex-encoded, with or
// without a 0x prefix) the facilitator should sign with for a given chain.
// The settler parses and discards it within a single Settle call; it never
// caches decrypted key material across calls.
type KeyResolver interface {
	ResolveKey(ctx context.Context, facilitatorID string, chainID uint64) (string, error)
}

// Signature is a parsed 65-byte ECDSA signature, split into the three
// components transferWithAuthorization expects.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// ErrBadSignature is returned by ParseSignature for any input that isn't
// exactly 65 bytes once hex-decoded.
var ErrBadSignature = fmt.Errorf("evm: signature must be 65 bytes (r,s,v)")

// ParseSignature splits a hex-encoded 65-byte signature into (v, r, s). A
// trailing recovery byte of 0/1 is normalized to Ethereum's 27/28
// convention, matching what transferWithAuthorization's ecrecover expects.
func ParseSignature(hexSig string) (Signature, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(hexSig), "0x")
	b, err := hexDecode(raw)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(b) != 65 {
		return Signature{}, ErrBadSignature
	}
	var out Signature
	copy(out.R[:], b[0:32])
	copy(out.S[:], b[32:64])
	v := b[64]
	if v < 27 {
		v += 27
	}
	out.V = v
	return out, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(b)
	}
	return out, nil
}

// ParseAuthorization converts a wire EVMAuthorizationPayload's string
// fields into the ABI-native types PackTransferWithAuthorization needs.
func ParseAuthorization(from, to, value, validAfter, validBefore, nonceHex string) (Authorization, error) {
	val, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return Authorization{}, fmt.Errorf("evm: invalid value %q", value)
	}
	after, ok := new(big.Int).SetString(validAfter, 10)
	if !ok {
		return Authorization{}, fmt.Errorf("evm: invalid validAfter %q", validAfter)
	}
	before, ok := new(big.Int).SetString(validBefore, 10)
	if !ok {
		return Authorization{}, fmt.Errorf("evm: invalid validBefore %q", validBefore)
	}
	nonceBytes, err := hexDecode(strings.TrimPrefix(nonceHex, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return Authorization{}, fmt.Errorf("evm: invalid nonce %q", nonceHex)
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	return Authorization{
		From:        common.HexToAddress(from),
		To:          common.HexToAddress(to),
		Value:       val,
		ValidAfter:  after,
		ValidBefore: before,
		Nonce:       nonce,
	}, nil
}
