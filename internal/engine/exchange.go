package engine

import (
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"ordercore/internal/clock"
	"ordercore/internal/exec"
	"ordercore/internal/market"
	"ordercore/internal/order"
	"ordercore/internal/schema"
	"ordercore/internal/state"
)

var (
	ErrUnknownInstrument = errors.New("engine: instrument not listed on venue")
	ErrUnknownOrder      = errors.New("engine: order not known to venue")
)

var _ exec.Client = (*SimulatedExchange)(nil)

type ExchangeOption func(*SimulatedExchange)

func WithFeeModel(f FeeModel) ExchangeOption {
	return func(x *SimulatedExchange) { x.fees = f }
}

// WithPositions shares a position view with the exchange. By default the
// exchange keeps its own.
func WithPositions(p Positions) ExchangeOption {
	return func(x *SimulatedExchange) { x.positions = p }
}

// SimulatedExchange routes commands and market data to one MatchingEngine per
// instrument. Engines are created on first use for instruments of the registry.
type SimulatedExchange struct {
	cfg       Config
	reg       *schema.Registry
	clock     clock.Clock
	sink      EventSink
	fees      FeeModel
	positions Positions
	engines   map[schema.InstrumentID]*MatchingEngine
}

func NewSimulatedExchange(cfg Config, reg *schema.Registry, clk clock.Clock, sink EventSink, opts ...ExchangeOption) (*SimulatedExchange, error) {
	if cfg.Venue == "" {
		return nil, errors.New("engine: venue is required")
	}
	if err := cfg.FillModel.Validate(); err != nil {
		return nil, errors.Wrap(err, "engine: fill model")
	}
	x := &SimulatedExchange{
		cfg:     cfg,
		reg:     reg,
		clock:   clk,
		sink:    sink,
		fees:    NoFee{},
		engines: make(map[schema.InstrumentID]*MatchingEngine),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.positions == nil {
		x.positions = state.NewPositionReducer()
	}
	return x, nil
}

func (x *SimulatedExchange) Venue() string              { return x.cfg.Venue }
func (x *SimulatedExchange) AccountID() schema.AccountID { return x.cfg.AccountID }
func (x *SimulatedExchange) Positions() Positions        { return x.positions }

// Engine returns the matching engine of the instrument, creating it on first use.
func (x *SimulatedExchange) Engine(id schema.InstrumentID) (*MatchingEngine, bool) {
	if e, ok := x.engines[id]; ok {
		return e, true
	}
	inst, ok := x.reg.Instrument(id)
	if !ok {
		return nil, false
	}
	e := NewMatchingEngine(inst, x.cfg, x.clock, x.sink, x.positions, x.fees)
	x.engines[id] = e
	return e, true
}

func (x *SimulatedExchange) engine(id schema.InstrumentID) (*MatchingEngine, error) {
	e, ok := x.Engine(id)
	if !ok {
		return nil, errors.Wrap(ErrUnknownInstrument, string(id))
	}
	return e, nil
}

// Order returns the venue copy of an order from any engine.
func (x *SimulatedExchange) Order(id schema.ClientOrderID) (*order.Order, bool) {
	for _, e := range x.engines {
		if o, ok := e.Order(id); ok {
			return o, true
		}
	}
	return nil, false
}

// OpenOrders returns the resting orders of every engine.
func (x *SimulatedExchange) OpenOrders() []*order.Order {
	var out []*order.Order
	for _, id := range x.instrumentIDs() {
		out = append(out, x.engines[id].OpenOrders()...)
	}
	return out
}

func (x *SimulatedExchange) instrumentIDs() []schema.InstrumentID {
	ids := make([]schema.InstrumentID, 0, len(x.engines))
	for i := 0; i < x.reg.InstrumentCount(); i++ {
		inst, ok := x.reg.InstrumentAt(i)
		if !ok {
			continue
		}
		if _, ok := x.engines[inst.Name]; ok {
			ids = append(ids, inst.Name)
		}
	}
	return ids
}

func (x *SimulatedExchange) SubmitOrder(cmd exec.SubmitOrder) error {
	e, err := x.engine(cmd.Order.InstrumentID())
	if err != nil {
		return err
	}
	e.ProcessOrder(cmd.Order, x.cfg.AccountID)
	return nil
}

func (x *SimulatedExchange) SubmitOrderList(cmd exec.SubmitOrderList) error {
	e, err := x.engine(cmd.List.InstrumentID)
	if err != nil {
		return err
	}
	for _, o := range cmd.Orders {
		e.ProcessOrder(o, x.cfg.AccountID)
	}
	return nil
}

func (x *SimulatedExchange) ModifyOrder(cmd exec.ModifyOrder) error {
	e, err := x.engine(cmd.InstrumentID)
	if err != nil {
		return err
	}
	e.ProcessModify(cmd)
	return nil
}

func (x *SimulatedExchange) CancelOrder(cmd exec.CancelOrder) error {
	e, err := x.engine(cmd.InstrumentID)
	if err != nil {
		return err
	}
	e.ProcessCancel(cmd)
	return nil
}

func (x *SimulatedExchange) CancelAllOrders(cmd exec.CancelAllOrders) error {
	e, err := x.engine(cmd.InstrumentID)
	if err != nil {
		return err
	}
	e.ProcessCancelAll(cmd.Side)
	return nil
}

func (x *SimulatedExchange) BatchCancelOrders(cmd exec.BatchCancelOrders) error {
	e, err := x.engine(cmd.InstrumentID)
	if err != nil {
		return err
	}
	e.ProcessBatchCancel(cmd)
	return nil
}

// QueryOrder only checks the order is known. The simulated venue answers every
// command synchronously, so a query never finds state the caller has not seen.
func (x *SimulatedExchange) QueryOrder(cmd exec.QueryOrder) error {
	o, ok := x.Order(cmd.ClientOrderID)
	if !ok {
		return errors.Wrap(ErrUnknownOrder, string(cmd.ClientOrderID))
	}
	logs.Debugf("engine: query %s is %s", o.ClientOrderID(), o.Status())
	return nil
}

func (x *SimulatedExchange) ProcessQuoteTick(q market.QuoteTick) {
	if e, ok := x.Engine(q.InstrumentID); ok {
		e.ProcessQuoteTick(q)
	}
}

func (x *SimulatedExchange) ProcessTradeTick(t market.TradeTick) {
	if e, ok := x.Engine(t.InstrumentID); ok {
		e.ProcessTradeTick(t)
	}
}

func (x *SimulatedExchange) ProcessOrderBook(b market.OrderBook) {
	if e, ok := x.Engine(b.InstrumentID); ok {
		e.ProcessOrderBook(b)
	}
}

func (x *SimulatedExchange) ProcessStatus(s market.InstrumentStatus) {
	if e, ok := x.Engine(s.InstrumentID); ok {
		e.ProcessStatus(s.Action)
	}
}

func (x *SimulatedExchange) ProcessInstrumentClose(c market.InstrumentClose) {
	if e, ok := x.Engine(c.InstrumentID); ok {
		e.ProcessInstrumentClose(c)
	}
}
