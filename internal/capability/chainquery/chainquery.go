// Package chainquery exposes a read-only EVM chain probe as an agent
// capability. It answers with the chain id, latest block number and the
// balance of an optional account, which is enough for decision steps that
// need to confirm on-chain state without signing anything.
package chainquery

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AutoAgent/internal/capability"
	xerrors "AutoAgent/internal/errors"
)

// Config 描述链上查询能力的连接方式。
type Config struct {
	RPCURL string
}

// Probe 持有到 EVM 节点的只读连接。
type Probe struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client

	mu      sync.Mutex
	chainID *big.Int
}

// NewProbe 连接配置的 RPC 节点并返回可用的 Probe。
func NewProbe(ctx context.Context, cfg Config) (*Probe, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置链上节点 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接链上节点失败")
	}
	return &Probe{
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Close 释放节点连接。
func (p *Probe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eth != nil {
		p.eth.Close()
		p.eth = nil
	}
	p.rpcClient = nil
}

// Name 实现 capability.Capability 接口。
func (p *Probe) Name() string { return "chain_query" }

// Description 实现 capability.Capability 接口。
func (p *Probe) Description() string {
	return "查询 EVM 链的链 ID、最新区块高度，以及可选账户的余额"
}

// Execute 实现 capability.Capability 接口。入参可携带 address 字段。
func (p *Probe) Execute(ctx context.Context, input capability.Input) (string, error) {
	p.mu.Lock()
	eth := p.eth
	p.mu.Unlock()
	if eth == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "链上客户端已关闭")
	}

	chainID, err := p.resolveChainID(ctx, eth)
	if err != nil {
		return "", xerrors.Wrap(capability.CodeExecutionFailed, err, "查询链 ID 失败")
	}
	blockNumber, err := eth.BlockNumber(ctx)
	if err != nil {
		return "", xerrors.Wrap(capability.CodeExecutionFailed, err, "查询区块高度失败")
	}

	summary := fmt.Sprintf("chain_id=%s latest_block=%d", chainID.String(), blockNumber)
	if raw := strings.TrimSpace(input.String("address")); raw != "" {
		if !common.IsHexAddress(raw) {
			return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的账户地址: %s", raw))
		}
		balance, err := eth.BalanceAt(ctx, common.HexToAddress(raw), nil)
		if err != nil {
			return "", xerrors.Wrap(capability.CodeExecutionFailed, err, "查询账户余额失败")
		}
		summary += fmt.Sprintf(" balance_wei=%s", balance.String())
	}
	return summary, nil
}

// resolveChainID 缓存链 ID，节点不会中途切换网络。
func (p *Probe) resolveChainID(ctx context.Context, eth *ethclient.Client) (*big.Int, error) {
	p.mu.Lock()
	cached := p.chainID
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.chainID = new(big.Int).Set(chainID)
	p.mu.Unlock()
	return chainID, nil
}

var _ capability.Capability = (*Probe)(nil)
