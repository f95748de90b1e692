package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/miniapp-entitlements/internal/logging"
)

// DefaultRPCCooldown is how long a rate-limited endpoint is skipped
const DefaultRPCCooldown = 60 * time.Second

type receiptClient interface {
	ReceiptFetcher
	Close()
}

type dialFunc func(ctx context.Context, url string) (receiptClient, error)

func dialEthclient(ctx context.Context, url string) (receiptClient, error) {
	return ethclient.DialContext(ctx, url)
}

// RPCPool spreads receipt lookups over several RPC endpoints.
// It sticks to one endpoint until that endpoint rate-limits, then moves to the next.
type RPCPool struct {
	mu        sync.Mutex
	endpoints []string
	clients   []receiptClient
	current   int
	cooldowns map[int]time.Time
	cooldown  time.Duration

	dial dialFunc
	now  func() time.Time
}

// NewRPCPool dials the first of the comma-separated urls. The others are dialed on demand.
func NewRPCPool(ctx context.Context, urls string, cooldown time.Duration) (*RPCPool, error) {
	return newRPCPool(ctx, splitEndpoints(urls), cooldown, dialEthclient)
}

func newRPCPool(ctx context.Context, endpoints []string, cooldown time.Duration, dial dialFunc) (*RPCPool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if cooldown <= 0 {
		cooldown = DefaultRPCCooldown
	}

	p := &RPCPool{
		endpoints: endpoints,
		clients:   make([]receiptClient, len(endpoints)),
		cooldowns: make(map[int]time.Time),
		cooldown:  cooldown,
		dial:      dial,
		now:       time.Now,
	}

	client, err := dial(ctx, endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	p.clients[0] = client
	return p, nil
}

func splitEndpoints(urls string) []string {
	var out []string
	for _, ep := range strings.Split(urls, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}

// TransactionReceipt implements ReceiptFetcher. A rate-limit error moves the pool to
// the next endpoint and is returned so the caller's retry lands there.
func (p *RPCPool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	client, index := p.active(ctx)

	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil && IsRateLimitError(err) {
		if ferr := p.rotate(ctx, index); ferr != nil {
			logging.FromContext(ctx).WithError(ferr).Warn("no RPC endpoint available")
		}
	}
	return receipt, err
}

// active returns the current client, moving back to the primary once its cooldown is over
func (p *RPCPool) active(ctx context.Context) (receiptClient, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != 0 && !p.coolingLocked(0) {
		if err := p.switchLocked(ctx, 0); err == nil {
			logging.FromContext(ctx).Info("RPC pool back on primary endpoint")
		}
	}
	return p.clients[p.current], p.current
}

// rotate marks index as rate-limited and switches to the next endpoint out of cooldown
func (p *RPCPool) rotate(ctx context.Context, index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != index {
		// another caller already moved on
		return nil
	}
	p.cooldowns[index] = p.now()

	for i := 1; i < len(p.endpoints); i++ {
		next := (index + i) % len(p.endpoints)
		if p.coolingLocked(next) {
			continue
		}
		if err := p.switchLocked(ctx, next); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("endpoint", next).Warn("failed to switch RPC endpoint")
			continue
		}
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"from": index,
			"to":   next,
		}).Warn("RPC endpoint rate limited, switched")
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are rate limited", len(p.endpoints))
}

func (p *RPCPool) coolingLocked(index int) bool {
	since, ok := p.cooldowns[index]
	if !ok {
		return false
	}
	if p.now().Sub(since) < p.cooldown {
		return true
	}
	delete(p.cooldowns, index)
	return false
}

func (p *RPCPool) switchLocked(ctx context.Context, index int) error {
	if p.clients[index] == nil {
		client, err := p.dial(ctx, p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}
	p.current = index
	return nil
}

// CurrentIndex returns the endpoint in use
func (p *RPCPool) CurrentIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Close closes every dialed client
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// IsRateLimitError checks if an RPC error means the endpoint is throttling us
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "throttl")
}
