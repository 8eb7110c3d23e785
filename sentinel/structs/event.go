// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// Topic is an event stream subject. Subscribers name a topic and a set of
// keys; an event matches when its Key or any FilterKey equals a subscribed
// key, or the subscription uses the wildcard.
type Topic string

const (
	TopicRollout  Topic = "Rollout"
	TopicApproval Topic = "Approval"
	TopicDrift    Topic = "Drift"
	TopicNode     Topic = "Node"
	TopicAll      Topic = "*"
)

const (
	TypeRolloutCreated    = "RolloutCreated"
	TypeRolloutUpdated    = "RolloutUpdated"
	TypeRolloutApproval   = "RolloutApproval"
	TypeDriftDetected     = "DriftDetected"
	TypeDriftResolved     = "DriftResolved"
	TypeNodeRegistered    = "NodeRegistered"
	TypeNodeStatusUpdated = "NodeStatusUpdated"
)

// Event is a single state change published to the event broker.
type Event struct {
	Topic Topic
	Type  string

	// Key is the id of the changed entity.
	Key string

	// FilterKeys carries additional subscribable keys, notably the
	// owning project id.
	FilterKeys []string

	// Index is the state store index of the change that produced the
	// event.
	Index uint64

	Payload interface{}
}

// Events is a set of events sharing one state store index, published
// atomically by a single commit.
type Events struct {
	Index  uint64
	Events []Event
}

// EventJson is a wrapper for a JSON object
type EventJson struct {
	Data []byte
}

func (j *EventJson) Copy() *EventJson {
	n := new(EventJson)
	*n = *j
	n.Data = make([]byte, len(j.Data))
	copy(n.Data, j.Data)
	return n
}

// RolloutEvent is the payload of rollout topic events.
type RolloutEvent struct {
	Rollout *Rollout
}

// ApprovalEvent is the payload of approval topic events.
type ApprovalEvent struct {
	Approval *RolloutApproval
}

// DriftEventUpdate is the payload of drift topic events.
type DriftEventUpdate struct {
	DriftEvent *DriftEvent
}

// NodeEvent is the payload of node topic events.
type NodeEvent struct {
	Node *Node
}

// EventStreamRequest is used to subscribe to the event stream endpoint.
type EventStreamRequest struct {
	Topics map[Topic][]string
	QueryOptions
}

// Eventer is implemented by entities that can be published to the event
// broker when a committed transaction changed them.
type Eventer interface {
	Event() Event
}

func (r *Rollout) Event() Event {
	return Event{
		Topic:      TopicRollout,
		Key:        r.ID,
		FilterKeys: []string{r.ProjectID},
		Payload:    &RolloutEvent{Rollout: r},
	}
}

func (a *RolloutApproval) Event() Event {
	return Event{
		Topic:      TopicApproval,
		Key:        a.RolloutID,
		FilterKeys: []string{a.UserID},
		Payload:    &ApprovalEvent{Approval: a},
	}
}

func (d *DriftEvent) Event() Event {
	return Event{
		Topic:      TopicDrift,
		Key:        d.ID,
		FilterKeys: []string{d.ProjectID, d.NodeID},
		Payload:    &DriftEventUpdate{DriftEvent: d},
	}
}

func (n *Node) Event() Event {
	return Event{
		Topic:      TopicNode,
		Key:        n.ID,
		FilterKeys: []string{n.ProjectID},
		Payload:    &NodeEvent{Node: n},
	}
}
