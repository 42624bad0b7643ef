package events

// Event enumerates high-level topics inside the arbitrage core.
type Event string

const (
	EventQuoteTick     Event = "quote_tick"
	EventSpreadUpdate  Event = "spread_update"
	EventAccountUpdate Event = "account_update"
	EventOrderFilled   Event = "order.filled"
	EventOrderRejected Event = "order.rejected"
	EventLegImbalance  Event = "leg.imbalance"
	EventRiskAlert     Event = "risk_alert"
	EventPairOpened    Event = "pair.opened"
	EventPairClosed    Event = "pair.closed"
	EventStreamState   Event = "stream.state"
)
