// Package queryrelay holds the types shared by every part of the relay:
// the Message passed between connections, worker roles, relay directions
// and the error taxonomy.
package queryrelay

import (
	"encoding/binary"
	"time"
)

// NoID marks a Message that has not been assigned a correlation id.
const NoID int32 = -1

// NoOrigin marks a Message that did not originate from a Publisher Worker.
const NoOrigin = -1

// Message is one frame travelling through the relay.
//
// Size holds the length prefix exactly as it was transmitted. The hub
// assigns ID and ReceivedAt once, on ingress toward subscribers; the
// subscriber worker copies ID and Origin onto the reply it reads and sets
// Latency. Nothing else mutates a Message once it sits on a queue.
type Message struct {
	Size    [4]byte
	Payload []byte

	// ID is the correlation id, NoID until assigned.
	ID int32

	// Origin is the id of the publisher worker whose request produced this
	// message or the reply to it.
	Origin int

	ReceivedAt time.Time
	Latency    time.Duration
}

// NewMessage returns a Message whose length prefix is computed from payload.
func NewMessage(payload []byte) *Message {
	m := &Message{
		Payload: payload,
		ID:      NoID,
		Origin:  NoOrigin,
	}
	binary.LittleEndian.PutUint32(m.Size[:], uint32(len(payload)))
	return m
}

// FrameMessage splits a pre-built frame into its length prefix and the
// bytes that follow it. The prefix is kept verbatim even when it does not
// match the payload length. frame must hold at least 4 bytes.
func FrameMessage(frame []byte) *Message {
	m := &Message{
		Payload: frame[4:],
		ID:      NoID,
		Origin:  NoOrigin,
	}
	copy(m.Size[:], frame)
	return m
}

// Len decodes the transmitted length prefix.
func (m *Message) Len() uint32 {
	return binary.LittleEndian.Uint32(m.Size[:])
}

// Reply returns a copy of reply stamped with the correlation of request:
// same id, same origin, and the elapsed time since the request entered
// the hub.
func (m *Message) Reply(reply *Message, now time.Time) *Message {
	r := *reply
	r.ID = m.ID
	r.Origin = m.Origin
	r.ReceivedAt = m.ReceivedAt
	if !m.ReceivedAt.IsZero() {
		r.Latency = now.Sub(m.ReceivedAt)
	}
	return &r
}

// Role is the side of the relay a connection sits on.
type Role int

const (
	// Publisher connections send requests and receive replies.
	Publisher Role = iota
	// Subscriber connections receive requests and return replies.
	Subscriber
)

func (r Role) String() string {
	switch r {
	case Publisher:
		return "publisher"
	case Subscriber:
		return "subscriber"
	}
	return "unknown"
}

// Direction names a relay queue.
type Direction int

const (
	// ToSubscribers carries requests from publishers to subscribers.
	ToSubscribers Direction = iota
	// ToPublishers carries winning replies back to publishers.
	ToPublishers
)

func (d Direction) String() string {
	switch d {
	case ToSubscribers:
		return "to_subscribers"
	case ToPublishers:
		return "to_publishers"
	}
	return "unknown"
}
