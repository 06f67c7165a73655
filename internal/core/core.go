/*
Core wires the order pipeline into a runnable node.

# Module
  - bus: SyncBus in backtest, a bounded LiveBus drained by one goroutine otherwise
  - risk engine: validates commands and routes them to the emulator or exec
  - emulator: holds emulated orders and contingent children, releases them on trigger
  - exec engine: the only writer of the cache, journals and publishes order events
  - venue: the simulated exchange, or a client passed with WithVenue
  - reconcile: converges the cache with the venue on start and for orders in flight

# Source
 1. market data replayed from a journal (backtest)
 2. generated market data (paper)
 3. market data pushed by the caller through OnQuote, OnTrade, OnBook (live)

# Produce
  - order events on bus.TopicOrderEvents
  - a WAL journal of order events and live market data
  - a snapshot of positions and working orders on Close
*/
package core
