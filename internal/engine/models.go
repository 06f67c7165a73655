package engine

import (
	"math/rand"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"ordercore/internal/order"
	"ordercore/internal/schema"
)

// FillModel decides the probabilistic parts of simulated execution.
type FillModel struct {
	// ProbFillOnLimit is the chance a resting limit fills when the market
	// only touches its price.
	ProbFillOnLimit float64 `json:"probFillOnLimit"`
	// ProbSlippage is the chance an L1 taker fill slips one tick.
	ProbSlippage float64 `json:"probSlippage"`
	Seed         int64   `json:"seed"`
}

// DefaultFillModel fills every touched limit and never slips.
func DefaultFillModel() FillModel {
	return FillModel{ProbFillOnLimit: 1, Seed: 1}
}

func (m FillModel) Validate() error {
	if m.ProbFillOnLimit < 0 || m.ProbFillOnLimit > 1 {
		return errors.Errorf("probFillOnLimit must be between 0 and 1, got %v", m.ProbFillOnLimit)
	}
	if m.ProbSlippage < 0 || m.ProbSlippage > 1 {
		return errors.Errorf("probSlippage must be between 0 and 1, got %v", m.ProbSlippage)
	}
	return nil
}

type fillSampler struct {
	model FillModel
	rng   *rand.Rand
}

func newFillSampler(m FillModel) *fillSampler {
	return &fillSampler{model: m, rng: rand.New(rand.NewSource(m.Seed))}
}

func (s *fillSampler) isLimitFilled() bool {
	return s.sample(s.model.ProbFillOnLimit)
}

func (s *fillSampler) isSlipped() bool {
	return s.sample(s.model.ProbSlippage)
}

func (s *fillSampler) sample(p float64) bool {
	switch {
	case p <= 0:
		return false
	case p >= 1:
		return true
	default:
		return s.rng.Float64() < p
	}
}

// FeeModel computes the commission of one fill in the instrument's fee scale.
type FeeModel interface {
	Commission(o *order.Order, qty schema.Quantity, px schema.Price, inst schema.Instrument, liquidity schema.LiquiditySide) schema.Fee
}

// MakerTakerFee charges a basis point rate on the fill notional.
type MakerTakerFee struct {
	MakerBps decimal.Decimal `json:"makerBps"`
	TakerBps decimal.Decimal `json:"takerBps"`
}

var bpsDivisor = decimal.NewFromInt(10_000)

func (f MakerTakerFee) Commission(_ *order.Order, qty schema.Quantity, px schema.Price, inst schema.Instrument, liquidity schema.LiquiditySide) schema.Fee {
	rate := f.TakerBps
	if liquidity == schema.LiquidityMaker {
		rate = f.MakerBps
	}
	if rate.IsZero() {
		return 0
	}
	scale := inst.Scale
	notional := decimal.New(int64(qty), -int32(scale.QuantityScale)).
		Mul(decimal.New(int64(px), -int32(scale.PriceScale)))
	fee := notional.Mul(rate).Div(bpsDivisor)
	return schema.Fee(fee.Shift(int32(scale.FeeScale)).Round(0).IntPart())
}

// NoFee charges nothing.
type NoFee struct{}

func (NoFee) Commission(*order.Order, schema.Quantity, schema.Price, schema.Instrument, schema.LiquiditySide) schema.Fee {
	return 0
}
