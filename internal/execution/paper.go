package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/pkg/types"
)

// PaperExecutor simulates order execution: fills are immediate at the
// current mark price plus slippage, with a flat fee. Used for paper mode
// and tests.
type PaperExecutor struct {
	logger *zap.Logger

	mu    sync.RWMutex
	price decimal.Decimal

	slippagePct float64
	feePct      float64
}

// NewPaperExecutor creates a paper executor. Percentages are in percent
// units.
func NewPaperExecutor(logger *zap.Logger, slippagePct, feePct float64) *PaperExecutor {
	return &PaperExecutor{
		logger:      logger.Named("paper"),
		slippagePct: slippagePct,
		feePct:      feePct,
	}
}

// SetPrice updates the mark price fills simulate against. The engine
// calls this on every tick.
func (p *PaperExecutor) SetPrice(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

// Execute simulates an immediate fill.
func (p *PaperExecutor) Execute(ctx context.Context, signal types.Signal, size decimal.Decimal) (*types.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	price := p.price
	p.mu.RUnlock()

	if price.IsZero() {
		return nil, fmt.Errorf("no mark price available")
	}

	slip := pctFraction(p.slippagePct)
	fillPrice := price
	switch signal {
	case types.SignalBuy:
		fillPrice = price.Mul(one.Add(slip))
	case types.SignalSell:
		fillPrice = price.Mul(one.Sub(slip))
	default:
		return nil, fmt.Errorf("invalid signal %q", signal)
	}

	fill := &types.Fill{
		OrderID: uuid.NewString(),
		Price:   fillPrice,
		Size:    size,
		Fee:     size.Mul(fillPrice).Mul(pctFraction(p.feePct)),
		Time:    time.Now(),
	}

	p.logger.Debug("paper fill",
		zap.String("orderId", fill.OrderID),
		zap.String("signal", string(signal)),
		zap.String("price", fill.Price.String()),
	)

	return fill, nil
}

// Cancel is a no-op for paper orders; they fill synchronously.
func (p *PaperExecutor) Cancel(ctx context.Context, orderID string) error {
	return nil
}
