package signer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Constants for EIP-712
const (
	EIP712DomainName    = "AgentGate"
	EIP712DomainVersion = "1"
)

var (
	// "EIP712Domain(string name,string version,uint256 chainId)"
	EIP712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)"))

	// "Request(string method,string path,bytes32 bodyHash,uint256 nonce)"
	RequestTypeHash = crypto.Keccak256Hash([]byte("Request(string method,string path,bytes32 bodyHash,uint256 nonce)"))
)

// Request is what a wallet signs to call the gateway.
type Request struct {
	Method   string
	Path     string
	BodyHash common.Hash
	Nonce    *big.Int
}

// NewRequest builds a Request, hashing body with keccak256.
func NewRequest(method, path string, body []byte, nonce *big.Int) *Request {
	return &Request{
		Method:   strings.ToUpper(method),
		Path:     path,
		BodyHash: crypto.Keccak256Hash(body),
		Nonce:    nonce,
	}
}

func DomainSeparator(chainID int64) common.Hash {
	data := make([]byte, 32*4)
	copy(data[0:32], EIP712DomainTypeHash.Bytes())
	copy(data[32:64], crypto.Keccak256([]byte(EIP712DomainName)))
	copy(data[64:96], crypto.Keccak256([]byte(EIP712DomainVersion)))
	copy(data[96:128], math.U256Bytes(big.NewInt(chainID)))
	return crypto.Keccak256Hash(data)
}

// hashRequest calculates hashStruct(req)
func hashRequest(req *Request) []byte {
	data := make([]byte, 32*5)
	copy(data[0:32], RequestTypeHash.Bytes())
	copy(data[32:64], crypto.Keccak256([]byte(req.Method)))
	copy(data[64:96], crypto.Keccak256([]byte(req.Path)))
	copy(data[96:128], req.BodyHash.Bytes())
	if req.Nonce != nil {
		copy(data[128:160], math.U256Bytes(new(big.Int).Set(req.Nonce)))
	}
	return crypto.Keccak256(data)
}

// TypedDataHash is keccak256("\x19\x01" || domainSeparator || hashStruct(req)).
func TypedDataHash(chainID int64, req *Request) []byte {
	return crypto.Keccak256([]byte{0x19, 0x01}, DomainSeparator(chainID).Bytes(), hashRequest(req))
}

// RecoverRequestSigner returns the wallet that produced sigHex over req.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverRequestSigner(chainID int64, req *Request, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	sig = append([]byte(nil), sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(TypedDataHash(chainID, req), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
