package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quayyum-a/tradecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER BROKER - Seeded in-memory venue simulation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fills orders with configurable slippage, latency, partial fills and a
// rejection rate. All randomness flows from one explicit seed so a run
// is reproducible end to end.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PaperConfig holds paper trading simulation settings
type PaperConfig struct {
	Seed               int64
	SlippageMaxBps     int
	LatencyMin         time.Duration
	LatencyMax         time.Duration
	PartialFillsEnabled bool
	RejectionRate      float64 // 0..1
}

// DefaultPaperConfig returns sensible simulation defaults
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		Seed:           1,
		SlippageMaxBps: 10,
		LatencyMin:     5 * time.Millisecond,
		LatencyMax:     50 * time.Millisecond,
		RejectionRate:  0,
	}
}

type paperOrder struct {
	spec   types.OrderSpec
	status string
}

type paperPosition struct {
	id     string
	symbol string
	side   types.Side
	size   decimal.Decimal
	entry  decimal.Decimal
}

// Paper is the seeded in-memory broker
type Paper struct {
	mu        sync.Mutex
	cfg       PaperConfig
	rng       *rand.Rand
	connected bool

	orders    map[string]*paperOrder
	positions map[string]*paperPosition
	handlers  []func(types.ExecutionReport)
}

// NewPaper creates a paper broker with an explicit RNG seed
func NewPaper(cfg PaperConfig) *Paper {
	log.Info().
		Int64("seed", cfg.Seed).
		Int("slippage_bps", cfg.SlippageMaxBps).
		Float64("rejection_rate", cfg.RejectionRate).
		Msg("📄 Paper broker initialized")
	return &Paper{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*paperPosition),
	}
}

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *Paper) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Paper) ValidateConnection(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// PlaceOrder simulates an order: optional rejection, seeded latency,
// slippage-adjusted fill delivered via the execution subscription.
func (p *Paper) PlaceOrder(ctx context.Context, spec types.OrderSpec) (string, error) {
	p.mu.Lock()
	if p.cfg.RejectionRate > 0 && p.rng.Float64() < p.cfg.RejectionRate {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: paper venue rejected order", types.ErrBroker)
	}

	orderID := uuid.NewString()
	p.orders[orderID] = &paperOrder{spec: spec, status: "OPEN"}
	latency := p.latency()
	fills := p.planFills(spec)
	p.mu.Unlock()

	go p.deliverFills(orderID, spec, fills, latency)
	return orderID, nil
}

// planFills splits the order into one or two fills with slippage applied
func (p *Paper) planFills(spec types.OrderSpec) []types.ExecutionReport {
	price := p.slip(spec.Price, spec.Side)
	if !p.cfg.PartialFillsEnabled || spec.Size.LessThanOrEqual(decimal.NewFromInt(1)) {
		return []types.ExecutionReport{{
			Symbol: spec.Symbol, Side: spec.Side, Price: price, Size: spec.Size,
		}}
	}

	// Split 30–70% into the first fill, remainder into the second
	frac := decimal.NewFromFloat(0.3 + 0.4*p.rng.Float64())
	first := spec.Size.Mul(frac).Round(8)
	second := spec.Size.Sub(first)
	secondPrice := p.slip(spec.Price, spec.Side)
	return []types.ExecutionReport{
		{Symbol: spec.Symbol, Side: spec.Side, Price: price, Size: first, Partial: true},
		{Symbol: spec.Symbol, Side: spec.Side, Price: secondPrice, Size: second},
	}
}

func (p *Paper) deliverFills(orderID string, spec types.OrderSpec, fills []types.ExecutionReport, latency time.Duration) {
	time.Sleep(latency)

	p.mu.Lock()
	order := p.orders[orderID]
	if order != nil {
		order.status = "FILLED"
	}
	pos := &paperPosition{
		id:     orderID,
		symbol: spec.Symbol,
		side:   spec.Side,
		size:   spec.Size,
		entry:  spec.Price,
	}
	p.positions[posKey(spec.Symbol, spec.Side)] = pos
	handlers := append([]func(types.ExecutionReport){}, p.handlers...)
	p.mu.Unlock()

	for _, fill := range fills {
		fill.OrderID = orderID
		fill.ExecutedAt = time.Now()
		for _, h := range handlers {
			h(fill)
		}
	}
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return types.ErrNotFound
	}
	order.status = "CANCELLED"
	return nil
}

func (p *Paper) OrderStatus(ctx context.Context, orderID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return "", types.ErrNotFound
	}
	return order.status, nil
}

func (p *Paper) OpenPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]types.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		result = append(result, types.BrokerPosition{
			PositionID: pos.id,
			Symbol:     pos.symbol,
			Side:       pos.side,
			Size:       pos.size,
			EntryPrice: pos.entry,
		})
	}
	return result, nil
}

func (p *Paper) ClosePosition(ctx context.Context, positionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pos := range p.positions {
		if pos.id == positionID {
			delete(p.positions, key)
			return nil
		}
	}
	return types.ErrNotFound
}

// RemoveBySymbolSide drops the broker-side position (test/desync helper)
func (p *Paper) RemoveBySymbolSide(symbol string, side types.Side) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, posKey(symbol, side))
}

func (p *Paper) SubscribeExecutions(handler func(types.ExecutionReport)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// slip applies up to SlippageMaxBps against the taker
func (p *Paper) slip(price decimal.Decimal, side types.Side) decimal.Decimal {
	if p.cfg.SlippageMaxBps <= 0 {
		return price
	}
	bps := decimal.NewFromInt(int64(p.rng.Intn(p.cfg.SlippageMaxBps + 1))).
		Div(decimal.NewFromInt(10000))
	if side == types.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(bps))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(bps))
}

func (p *Paper) latency() time.Duration {
	if p.cfg.LatencyMax <= p.cfg.LatencyMin {
		return p.cfg.LatencyMin
	}
	span := p.cfg.LatencyMax - p.cfg.LatencyMin
	return p.cfg.LatencyMin + time.Duration(p.rng.Int63n(int64(span)))
}

func posKey(symbol string, side types.Side) string {
	return symbol + "_" + string(side)
}
