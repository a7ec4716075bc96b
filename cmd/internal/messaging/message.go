package messaging

import (
	"sort"
	"time"

	v1 "bazaar/shared/contracts/messaging/v1"
)

// Message is the only persisted entity. It is immutable once stored.
type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Content   string
	CreatedAt time.Time
}

// Involves reports whether m belongs to the conversation between a and b.
func (m Message) Involves(a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// Before orders messages by CreatedAt, ties broken by ID.
func Before(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages sorts in place into conversation order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Before(msgs[i], msgs[j]) })
}

// Pair is the normalized (unordered) conversation key: Lo <= Hi bytewise.
type Pair struct {
	Lo string
	Hi string
}

// PairOf returns the normalized key for the conversation between a and b.
func PairOf(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{Lo: a, Hi: b}
}

// ToWire converts a Message into its contract representation.
func ToWire(m Message) v1.Message {
	return v1.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// FromWire converts a contract message into a Message.
func FromWire(m v1.Message) Message {
	return Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
	}
}
