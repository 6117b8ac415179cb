package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenACP-Chain/internal/ledger"
	"OpenACP-Chain/internal/ledger/ethereum"
)

// Registry manages a set of ledger indexers keyed by human readable names.
type Registry struct {
	defaultChain string
	indexers     map[string]ledger.Indexer
}

// NewRegistry loads chain definitions and instantiates concrete indexers.
func NewRegistry(ctx context.Context, chainConfigPath, defaultChain string) (*Registry, error) {
	defs, err := ledger.LoadChainDefinitions(chainConfigPath)
	if err != nil {
		return nil, err
	}

	indexers := make(map[string]ledger.Indexer)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:           name,
				RPCURL:         chain.RPCURL,
				LookbackBlocks: chain.LookbackBlocks,
				Notes:          chain.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			indexers[name] = client
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	registry := &Registry{
		defaultChain: strings.TrimSpace(defaultChain),
		indexers:     indexers,
	}
	if registry.defaultChain == "" && len(indexers) == 1 {
		for name := range indexers {
			registry.defaultChain = name
		}
	}
	return registry, nil
}

// Default returns the indexer for the configured default chain.
func (r *Registry) Default() (ledger.Indexer, error) {
	if r == nil || len(r.indexers) == 0 {
		return nil, errors.New("未配置任何链")
	}
	if r.defaultChain == "" {
		return nil, errors.New("未指定默认链")
	}
	indexer, ok := r.indexers[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未定义", r.defaultChain)
	}
	return indexer, nil
}

// Get returns the indexer registered under the provided name.
func (r *Registry) Get(name string) (ledger.Indexer, error) {
	if r == nil {
		return nil, errors.New("registry 未初始化")
	}
	indexer, ok := r.indexers[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未定义", name)
	}
	return indexer, nil
}

// Names lists the registered chains in a stable order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.indexers))
	for name := range r.indexers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every indexer held by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for _, indexer := range r.indexers {
		indexer.Close()
	}
}
