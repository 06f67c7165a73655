package schema

import (
	"github.com/yanun0323/errors"
)

// Scale is the number of decimal places used by a scaled integer.
// Example: Scale=8 means the integer value is scaled by 1e8.
type Scale int32

// ScaleSpec defines scaling for common numeric fields.
type ScaleSpec struct {
	PriceScale    Scale `json:"priceScale"`
	QuantityScale Scale `json:"quantityScale"`
	NotionalScale Scale `json:"notionalScale"`
	FeeScale      Scale `json:"feeScale"`
}

// VenueID is the numeric identifier for a venue.
type VenueID uint16

// SymbolID is the numeric identifier for an instrument, used in binary records.
type SymbolID uint32

// Venue describes a trading venue or broker.
type Venue struct {
	ID   VenueID
	Name string
}

// InstrumentSpec carries the trading constraints of an instrument.
// Increments and limits are expressed in the instrument's scaled units; zero disables the check.
type InstrumentSpec struct {
	Scale          ScaleSpec `json:"scale"`
	PriceIncrement Price     `json:"priceIncrement"`
	SizeIncrement  Quantity  `json:"sizeIncrement"`
	MinQuantity    Quantity  `json:"minQuantity"`
	MaxQuantity    Quantity  `json:"maxQuantity"`
}

// Instrument describes a tradable instrument.
type Instrument struct {
	ID      SymbolID
	VenueID VenueID
	Name    InstrumentID
	InstrumentSpec
}

// RoundQuantity rounds q down to the size increment.
func (i Instrument) RoundQuantity(q Quantity) Quantity {
	if i.SizeIncrement <= 1 {
		return q
	}
	return q - q%i.SizeIncrement
}

// ValidPrice reports whether p is a positive multiple of the price increment.
func (i Instrument) ValidPrice(p Price) bool {
	if p <= 0 {
		return false
	}
	return i.PriceIncrement <= 1 || p%i.PriceIncrement == 0
}

// ValidQuantity reports whether q satisfies the size increment and limits.
func (i Instrument) ValidQuantity(q Quantity) bool {
	if q <= 0 {
		return false
	}
	if i.SizeIncrement > 1 && q%i.SizeIncrement != 0 {
		return false
	}
	if i.MinQuantity > 0 && q < i.MinQuantity {
		return false
	}
	if i.MaxQuantity > 0 && q > i.MaxQuantity {
		return false
	}
	return true
}

// Tick returns the smallest price step, at least one scaled unit.
func (i Instrument) Tick() Price {
	if i.PriceIncrement <= 0 {
		return 1
	}
	return i.PriceIncrement
}

// Registry stores venue and instrument metadata in a compact form.
type Registry struct {
	venues           []Venue
	instruments      []Instrument
	venueByName      map[string]VenueID
	instrumentByName map[InstrumentID]SymbolID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		venueByName:      make(map[string]VenueID),
		instrumentByName: make(map[InstrumentID]SymbolID),
	}
}

// AddVenue registers a new venue and returns its ID.
func (r *Registry) AddVenue(name string) (VenueID, error) {
	if name == "" {
		return 0, errors.New("venue name is empty")
	}
	if id, ok := r.venueByName[name]; ok {
		return id, errors.Errorf("venue already exists: %s", name)
	}
	id := VenueID(len(r.venues) + 1)
	r.venues = append(r.venues, Venue{ID: id, Name: name})
	r.venueByName[name] = id
	return id, nil
}

// AddInstrument registers a new instrument. The venue is taken from the id suffix and must exist.
func (r *Registry) AddInstrument(name InstrumentID, spec InstrumentSpec) (SymbolID, error) {
	if name == "" {
		return 0, errors.New("instrument name is empty")
	}
	venueID, ok := r.venueByName[name.Venue()]
	if !ok {
		return 0, errors.Errorf("venue not found for instrument: %s", name)
	}
	if id, ok := r.instrumentByName[name]; ok {
		return id, errors.Errorf("instrument already exists: %s", name)
	}
	id := SymbolID(len(r.instruments) + 1)
	r.instruments = append(r.instruments, Instrument{
		ID:             id,
		VenueID:        venueID,
		Name:           name,
		InstrumentSpec: spec,
	})
	r.instrumentByName[name] = id
	return id, nil
}

// Venue returns the venue by ID.
func (r *Registry) Venue(id VenueID) (Venue, bool) {
	if id == 0 || int(id) > len(r.venues) {
		return Venue{}, false
	}
	return r.venues[id-1], true
}

// InstrumentByID returns the instrument by numeric ID.
func (r *Registry) InstrumentByID(id SymbolID) (Instrument, bool) {
	if id == 0 || int(id) > len(r.instruments) {
		return Instrument{}, false
	}
	return r.instruments[id-1], true
}

// Instrument returns the instrument by name.
func (r *Registry) Instrument(name InstrumentID) (Instrument, bool) {
	id, ok := r.instrumentByName[name]
	if !ok {
		return Instrument{}, false
	}
	return r.instruments[id-1], true
}

// InstrumentCount returns the number of instruments in the registry.
func (r *Registry) InstrumentCount() int {
	return len(r.instruments)
}

// InstrumentAt returns the instrument by zero-based index.
func (r *Registry) InstrumentAt(index int) (Instrument, bool) {
	if index < 0 || index >= len(r.instruments) {
		return Instrument{}, false
	}
	return r.instruments[index], true
}

// VenueIDByName returns the venue ID for a name.
func (r *Registry) VenueIDByName(name string) (VenueID, bool) {
	id, ok := r.venueByName[name]
	return id, ok
}
