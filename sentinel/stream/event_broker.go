// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"fmt"
	"sync"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// EventBrokerCfg configures a new event broker.
type EventBrokerCfg struct {
	EventBufferSize int64
	Logger          hclog.Logger
}

// EventBroker routes committed state changes to active subscriptions. Events
// are buffered in memory so that subscribers may start from a recent index.
type EventBroker struct {
	// mu protects subscriptions
	mu            sync.Mutex
	subscriptions *subscriptions

	// eventBuf stores a configurable amount of events in memory
	eventBuf *eventBuffer

	// publishCh is used to send messages from an active txn to a goroutine
	// which publishes events, so that publishing can happen asynchronously
	// from the Commit call in the state store hot path.
	publishCh chan *structs.Events

	logger hclog.Logger
}

// NewEventBroker returns an EventBroker for publishing change events. The
// draining and closing of subscriptions is tied to the lifetime of ctx.
func NewEventBroker(ctx context.Context, cfg EventBrokerCfg) *EventBroker {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	// Set the event buffer size to a minimum
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = 100
	}

	buffer := newEventBuffer(cfg.EventBufferSize)
	e := &EventBroker{
		logger:    cfg.Logger.Named("event_broker"),
		eventBuf:  buffer,
		publishCh: make(chan *structs.Events, 64),
		subscriptions: &subscriptions{
			byRequest: make(map[*SubscribeRequest]*Subscription),
		},
	}

	go e.handleUpdates(ctx)

	return e
}

// Len returns the current length of the event buffer.
func (e *EventBroker) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eventBuf.Len()
}

// Publish events to all subscribers of the event Topic.
func (e *EventBroker) Publish(events *structs.Events) {
	if len(events.Events) == 0 {
		return
	}

	e.publishCh <- events
}

// Subscribe returns a new Subscription for a given request. A subscription
// will receive an initial empty currentItem value which does not need to be
// consumed. It is the responsibility of the caller to call Unsubscribe when
// no longer needed.
func (e *EventBroker) Subscribe(req *SubscribeRequest) (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var head *bufferItem
	var offset int
	if req.Index != 0 {
		head, offset = e.eventBuf.StartAtClosest(req.Index)
	} else {
		head = e.eventBuf.Head()
	}
	if offset > 0 && req.StartExactlyAtIndex {
		return nil, fmt.Errorf("requested index not in buffer")
	} else if offset > 0 {
		metrics.SetGauge([]string{"stream", "subscription", "request_offset"}, float32(offset))
		e.logger.Debug("requested index no longer in buffer", "requested", int(req.Index), "closest", int(head.Events.Index))
	}

	// Empty head so that calling Next on sub gives the first real item
	start := newBufferItem(&structs.Events{Index: req.Index})
	start.link.next.Store(head)
	close(start.link.nextCh)

	sub := newSubscription(req, start, e.subscriptions.unsubscribeFn(req))

	e.subscriptions.add(req, sub)
	return sub, nil
}

// CloseAll closes all subscriptions.
func (e *EventBroker) CloseAll() {
	e.subscriptions.closeAll()
}

func (e *EventBroker) handleUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.subscriptions.closeAll()
			return
		case update := <-e.publishCh:
			e.eventBuf.Append(update)
		}
	}
}

type subscriptions struct {
	// mu for byRequest
	mu sync.RWMutex

	// byRequest is a mapping of active Subscriptions indexed by the pointer
	// to their subscribe request. A subscription is removed by using the
	// pointer to the request.
	byRequest map[*SubscribeRequest]*Subscription
}

func (s *subscriptions) add(req *SubscribeRequest, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byRequest[req] = sub
}

// unsubscribeFn returns a function that the subscription will call to remove
// itself from the broker. This function is returned as a closure so that
// the caller doesn't need to keep track of the SubscribeRequest, and can not
// accidentally call unsubscribeFn with the wrong pointer.
func (s *subscriptions) unsubscribeFn(req *SubscribeRequest) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		sub := s.byRequest[req]
		if sub == nil {
			return
		}

		sub.forceClose()

		delete(s.byRequest, req)
	}
}

func (s *subscriptions) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.byRequest {
		sub.forceClose()
	}
	s.byRequest = make(map[*SubscribeRequest]*Subscription)
}
