package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedData describes req in the eth_signTypedData_v4 format, so browser
// wallets can produce the same signature as Signer.
func TypedData(chainID int64, req *Request) apitypes.TypedData {
	nonce := req.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Request": {
				{Name: "method", Type: "string"},
				{Name: "path", Type: "string"},
				{Name: "bodyHash", Type: "bytes32"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "Request",
		Domain: apitypes.TypedDataDomain{
			Name:    EIP712DomainName,
			Version: EIP712DomainVersion,
			ChainId: (*math.HexOrDecimal256)(big.NewInt(chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"method":   req.Method,
			"path":     req.Path,
			"bodyHash": req.BodyHash.Hex(),
			"nonce":    (*math.HexOrDecimal256)(new(big.Int).Set(nonce)),
		},
	}
}
