package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"OpenACP-Chain/internal/ledger"
)

// ERC-20 Transfer(address,address,uint256) 事件签名。
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const defaultLookbackBlocks = 5000

// Config describes how to construct an EVM compatible transfer indexer.
type Config struct {
	Name           string
	RPCURL         string
	LookbackBlocks uint64
	Notes          string
}

// logFilterer mirrors the subset of ethclient methods the indexer needs,
// so tests can substitute a fake backend.
type logFilterer interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
}

// Client implements the ledger.Indexer interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	lookback  uint64
	rpcClient *gethrpc.Client
	backend   logFilterer
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use indexer.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	lookback := cfg.LookbackBlocks
	if lookback == 0 {
		lookback = defaultLookbackBlocks
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		lookback:  lookback,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}, nil
}

// NewClientWithBackend wraps an existing backend, used by tests.
func NewClientWithBackend(name string, lookback uint64, backend logFilterer) *Client {
	if lookback == 0 {
		lookback = defaultLookbackBlocks
	}
	return &Client{name: name, lookback: lookback, backend: backend}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c == nil || c.rpcClient == nil {
		return
	}
	c.rpcClient.Close()
	c.rpcClient = nil
}

// Transfers 在最近的区块窗口内过滤指向 to 地址的 ERC-20 Transfer 日志。
func (c *Client) Transfers(ctx context.Context, token, to string) ([]ledger.Transfer, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	token = strings.TrimSpace(token)
	to = strings.TrimSpace(to)
	if token == "" || to == "" {
		return nil, errors.New("代币合约地址与收款地址不能为空")
	}

	latest, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	fromBlock := uint64(0)
	if latest > c.lookback {
		fromBlock = latest - c.lookback
	}

	toAddress := common.HexToAddress(to)
	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{common.HexToAddress(token)},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(toAddress.Bytes())},
		},
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("过滤转账日志失败: %w", err)
	}

	transfers := make([]ledger.Transfer, 0, len(logs))
	for _, entry := range logs {
		if len(entry.Topics) < 3 || len(entry.Data) == 0 {
			continue
		}
		transfers = append(transfers, ledger.Transfer{
			TxHash: entry.TxHash.Hex(),
			From:   common.BytesToAddress(entry.Topics[1].Bytes()).Hex(),
			Amount: new(big.Int).SetBytes(entry.Data),
		})
	}
	return transfers, nil
}

var _ ledger.Indexer = (*Client)(nil)
