package events

// Event enumerates high-level topics inside the bot engine.
type Event string

const (
	EventPriceTick         Event = "price_tick"
	EventBotStateChange    Event = "bot.state_change"
	EventIntentSubmitted   Event = "intent.submitted"
	EventIntentRejected    Event = "intent.rejected"
	EventOrderPlaced       Event = "order.placed"
	EventOrderFilled       Event = "order.filled"
	EventOrderFailed       Event = "order.failed"
	EventRiskAlert         Event = "risk.alert"
	EventBreakerTransition Event = "risk.breaker_transition"
	EventReconciliation    Event = "reconciliation.case"
)
