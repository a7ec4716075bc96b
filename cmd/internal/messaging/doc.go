// Package messaging contains bazaar's direct messaging core: the Message model,
// the MessageStore implementations (memory, Postgres, Badger), the change feeds
// that carry "message created" events to the realtime broker, and the Send/Fetch
// service operations.
//
// Stores and feeds are connected only through ChangePublisher, so either side can be
// swapped (different store engine, different fan-out transport) without touching the other.
package messaging
