package middleware

import (
	"bytes"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/ScaleX-Protocol/agentgate/internal/config"
	"github.com/ScaleX-Protocol/agentgate/internal/manager"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/signer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletNonce     = "X-Wallet-Nonce"
	HeaderWalletSignature = "X-Wallet-Signature"
	ContextCallerKey      = "caller"
)

// WalletAuthMiddleware identifies the calling wallet from an EIP-712
// signature over method, path, body hash and nonce.
func WalletAuthMiddleware(cfg *config.Config, nonces *manager.NonceManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawAddr := strings.TrimSpace(c.GetHeader(HeaderWalletAddress))
		if !common.IsHexAddress(rawAddr) {
			abortAuth(c, "missing or invalid "+HeaderWalletAddress)
			return
		}
		claimed := common.HexToAddress(rawAddr)

		// 开发模式：信任地址头
		if cfg != nil && !cfg.Auth.RequireSignatures {
			c.Set(ContextCallerKey, claimed)
			c.Next()
			return
		}

		nonce, err := strconv.ParseUint(strings.TrimSpace(c.GetHeader(HeaderWalletNonce)), 10, 64)
		if err != nil {
			abortAuth(c, "missing or invalid "+HeaderWalletNonce)
			return
		}
		sig := strings.TrimSpace(c.GetHeader(HeaderWalletSignature))
		if sig == "" {
			abortAuth(c, "missing "+HeaderWalletSignature)
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
		}

		var chainID int64 = 1
		if cfg != nil && cfg.Auth.ChainID != 0 {
			chainID = cfg.Auth.ChainID
		}
		req := signer.NewRequest(c.Request.Method, c.Request.URL.Path, body, new(big.Int).SetUint64(nonce))
		recovered, err := signer.RecoverRequestSigner(chainID, req, sig)
		if err != nil || recovered != claimed {
			abortAuth(c, "signature does not match "+HeaderWalletAddress)
			return
		}

		if err := nonces.Accept(c.Request.Context(), claimed, nonce); err != nil {
			c.Error(apperrors.New(apperrors.ErrNonce, "nonce rejected", err))
			c.Abort()
			return
		}

		c.Set(ContextCallerKey, claimed)
		c.Next()
	}
}

// CallerFrom returns the authenticated wallet for the request.
func CallerFrom(c *gin.Context) (common.Address, bool) {
	val, ok := c.Get(ContextCallerKey)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := val.(common.Address)
	return addr, ok
}

func abortAuth(c *gin.Context, msg string) {
	c.Error(apperrors.New(apperrors.ErrAuthFailed, msg, nil))
	c.Abort()
}
