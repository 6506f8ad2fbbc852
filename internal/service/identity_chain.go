package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/apperrors"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc721OwnerOfABI = `[{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"owner","type":"address"}],"payable":false,"stateMutability":"view","type":"function"}]`

// ContractCaller is the subset of ethclient.Client the registry needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainIdentityRegistry resolves agent ownership through an ERC-721 identity
// contract. Owners are cached for a short TTL.
type ChainIdentityRegistry struct {
	rpcURL   string
	contract common.Address
	parsed   abi.ABI

	mu       sync.Mutex
	client   ContractCaller
	cacheTTL time.Duration
	cache    map[model.AgentID]ownerEntry
	timeout  time.Duration
	retries  int
}

type ownerEntry struct {
	owner   common.Address
	expires time.Time
}

func NewChainIdentityRegistry(rpcURL, contract string, ttl, timeout time.Duration, retries int) (*ChainIdentityRegistry, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid identity registry address %q", contract)
	}
	parsed, err := abi.JSON(strings.NewReader(erc721OwnerOfABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse abi: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &ChainIdentityRegistry{
		rpcURL:   strings.TrimSpace(rpcURL),
		contract: common.HexToAddress(contract),
		parsed:   parsed,
		cacheTTL: ttl,
		cache:    make(map[model.AgentID]ownerEntry),
		timeout:  timeout,
		retries:  retries,
	}, nil
}

// WithCaller replaces the RPC client, mainly for tests.
func (r *ChainIdentityRegistry) WithCaller(caller ContractCaller) *ChainIdentityRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = caller
	return r
}

func (r *ChainIdentityRegistry) OwnerOf(ctx context.Context, agentID model.AgentID) (common.Address, error) {
	if owner, ok := r.cacheGet(agentID); ok {
		return owner, nil
	}
	data, err := r.parsed.Pack("ownerOf", new(big.Int).SetUint64(uint64(agentID)))
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack call data: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		client, err := r.getClient(attemptCtx)
		if err != nil {
			cancel()
			lastErr = err
			if !shouldRetry(ctx, attempt, r.retries) {
				break
			}
			continue
		}
		output, err := client.CallContract(attemptCtx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
		cancel()
		if err != nil {
			// ownerOf reverts for tokens that were never minted
			if strings.Contains(strings.ToLower(err.Error()), "revert") {
				return common.Address{}, apperrors.Newf(apperrors.ErrUnknownAgent, "agent %s is not registered", agentID)
			}
			lastErr = fmt.Errorf("rpc call failed: %w", err)
			if !shouldRetry(ctx, attempt, r.retries) {
				break
			}
			continue
		}
		values, err := r.parsed.Unpack("ownerOf", output)
		if err != nil || len(values) != 1 {
			return common.Address{}, apperrors.Newf(apperrors.ErrUnknownAgent, "agent %s is not registered", agentID)
		}
		owner, ok := values[0].(common.Address)
		if !ok || owner == (common.Address{}) {
			return common.Address{}, apperrors.Newf(apperrors.ErrUnknownAgent, "agent %s is not registered", agentID)
		}
		r.cacheSet(agentID, owner)
		return owner, nil
	}
	metrics.CollaboratorFailures.WithLabelValues("identity_registry").Inc()
	return common.Address{}, apperrors.NewCollaboratorFailure("identity_registry", lastErr)
}

// Register is not available on-chain through the gateway; agents mint directly on the contract.
func (r *ChainIdentityRegistry) Register(ctx context.Context, owner common.Address) (model.AgentID, error) {
	return 0, apperrors.NewInvalidRequest("agents are minted on the identity registry contract " + r.contract.Hex())
}

func (r *ChainIdentityRegistry) getClient(ctx context.Context) (ContractCaller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	if r.rpcURL == "" {
		return nil, fmt.Errorf("rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, r.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rpc: %w", err)
	}
	r.client = client
	return r.client, nil
}

func (r *ChainIdentityRegistry) cacheGet(id model.AgentID) (common.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[id]
	if !ok {
		return common.Address{}, false
	}
	if time.Now().After(entry.expires) {
		delete(r.cache, id)
		return common.Address{}, false
	}
	return entry.owner, true
}

func (r *ChainIdentityRegistry) cacheSet(id model.AgentID, owner common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[id] = ownerEntry{owner: owner, expires: time.Now().Add(r.cacheTTL)}
}

func shouldRetry(ctx context.Context, attempt, max int) bool {
	if attempt >= max {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}
	time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	return true
}
