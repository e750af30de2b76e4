package schema

// AdapterState tracks the exchange adapter lifecycle.
type AdapterState string

const (
	// AdapterInitializing is the state before Initialize completes.
	AdapterInitializing AdapterState = "initializing"
	// AdapterConnecting means the adapter is dialing its exchange.
	AdapterConnecting AdapterState = "connecting"
	// AdapterConnected means the transport is up but streams are not yet live.
	AdapterConnected AdapterState = "connected"
	// AdapterSubscribing means remote subscriptions are being established.
	AdapterSubscribing AdapterState = "subscribing"
	// AdapterActive means data is flowing.
	AdapterActive AdapterState = "active"
	// AdapterReconnecting means the adapter lost its connection and is retrying.
	AdapterReconnecting AdapterState = "reconnecting"
	// AdapterError means the adapter hit an unrecoverable failure.
	AdapterError AdapterState = "error"
	// AdapterStopped means the adapter was shut down.
	AdapterStopped AdapterState = "stopped"
)

// ConnectionState tracks a single WebSocket connection.
type ConnectionState string

const (
	// ConnDisconnected is the idle state before Open and after Close.
	ConnDisconnected ConnectionState = "disconnected"
	// ConnConnecting means a dial is in flight.
	ConnConnecting ConnectionState = "connecting"
	// ConnConnected means the socket is established.
	ConnConnected ConnectionState = "connected"
	// ConnDisconnecting means a graceful close is in flight.
	ConnDisconnecting ConnectionState = "disconnecting"
)

// AdapterEventType enumerates the adapter's lifecycle event set.
type AdapterEventType string

const (
	// AdapterEventStatusChanged signals a lifecycle state transition.
	AdapterEventStatusChanged AdapterEventType = "status_changed"
	// AdapterEventConnected signals transport establishment.
	AdapterEventConnected AdapterEventType = "connected"
	// AdapterEventDisconnected signals transport loss.
	AdapterEventDisconnected AdapterEventType = "disconnected"
	// AdapterEventData carries a parsed market record.
	AdapterEventData AdapterEventType = "data"
	// AdapterEventError carries a structured error record.
	AdapterEventError AdapterEventType = "error"
	// AdapterEventSubscribed signals remote subscription acknowledgement.
	AdapterEventSubscribed AdapterEventType = "subscribed"
	// AdapterEventUnsubscribed signals remote unsubscription.
	AdapterEventUnsubscribed AdapterEventType = "unsubscribed"
)
