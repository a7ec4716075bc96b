// Package realtime fans "message created" events out to live subscribers.
//
// The Broker is transient: it holds no history, only the set of connected subscriptions,
// and is fed by a messaging.ChangeFeed. WSGateway exposes subscriptions over WebSocket.
package realtime
