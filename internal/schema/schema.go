package schema

// SchemaVersion is the current journal schema version.
const SchemaVersion uint16 = 1

// EventType defines the category of a record stored in the journal.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventQuoteTick
	EventTradeTick
	EventOrderEvent
	EventCommand
	EventInstrumentStatus
	EventOrderBook
	EventInstrumentClose
)

func (t EventType) String() string {
	switch t {
	case EventQuoteTick:
		return "QUOTE_TICK"
	case EventTradeTick:
		return "TRADE_TICK"
	case EventOrderEvent:
		return "ORDER_EVENT"
	case EventCommand:
		return "COMMAND"
	case EventInstrumentStatus:
		return "INSTRUMENT_STATUS"
	case EventOrderBook:
		return "ORDER_BOOK"
	case EventInstrumentClose:
		return "INSTRUMENT_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// EventHeader is the common metadata attached to every journal record.
type EventHeader struct {
	Type    EventType
	Version uint16
	Source  uint16
	Flags   uint16
	Seq     uint64
	TsEvent int64
	TsInit  int64
	TraceID uint64
}

// NewHeader builds a header with the current schema version.
func NewHeader(eventType EventType, source uint16, seq uint64, tsEvent, tsInit int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Source:  source,
		Seq:     seq,
		TsEvent: tsEvent,
		TsInit:  tsInit,
	}
}

// Source identifiers stamped into EventHeader.Source.
const (
	SourceUnknown uint16 = iota
	SourceMarketData
	SourceStrategy
	SourceRisk
	SourceEmulator
	SourceExec
	SourceVenue
	SourceReconcile
)

// CommandKind identifies a trading command.
type CommandKind uint16

const (
	CommandUnknown CommandKind = iota
	CommandSubmitOrder
	CommandSubmitOrderList
	CommandModifyOrder
	CommandCancelOrder
	CommandCancelAllOrders
	CommandBatchCancelOrders
	CommandQueryOrder
)

func (k CommandKind) String() string {
	switch k {
	case CommandSubmitOrder:
		return "SubmitOrder"
	case CommandSubmitOrderList:
		return "SubmitOrderList"
	case CommandModifyOrder:
		return "ModifyOrder"
	case CommandCancelOrder:
		return "CancelOrder"
	case CommandCancelAllOrders:
		return "CancelAllOrders"
	case CommandBatchCancelOrders:
		return "BatchCancelOrders"
	case CommandQueryOrder:
		return "QueryOrder"
	default:
		return "Unknown"
	}
}
