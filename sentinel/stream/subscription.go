// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

const (
	// subscriptionStateOpen is the default state of a subscription. An open
	// subscription may receive new events.
	subscriptionStateOpen uint32 = 0

	// subscriptionStateClosed indicates that the subscription was closed
	// and will not receive new events.
	subscriptionStateClosed uint32 = 1
)

// ErrSubscriptionClosed is an error signalling the subscription has been
// closed. The client should Unsubscribe, then re-Subscribe.
var ErrSubscriptionClosed = errors.New("subscription closed by server, client should resubscribe")

type Subscription struct {
	// state must be accessed atomically
	state uint32

	req *SubscribeRequest

	// currentItem stores the current buffer item we are on. It
	// is mutated by calls to Next.
	currentItem *bufferItem

	// forceClosed is closed when forceClose is called. It is used by
	// EventBroker to cancel Next().
	forceClosed chan struct{}

	// unsub is a function set by EventBroker that is called to free resources
	// when the subscription is no longer needed.
	// It must be safe to call the function from multiple goroutines and the
	// function must be idempotent.
	unsub func()
}

// SubscribeRequest holds the topics and start index for a subscription.
type SubscribeRequest struct {
	Index  uint64
	Topics map[structs.Topic][]string

	// StartExactlyAtIndex specifies if a subscription needs to
	// start exactly at the requested Index. If set to false,
	// the closest index in the buffer will be returned if there is not
	// an exact match
	StartExactlyAtIndex bool
}

func newSubscription(req *SubscribeRequest, item *bufferItem, unsub func()) *Subscription {
	return &Subscription{
		forceClosed: make(chan struct{}),
		req:         req,
		currentItem: item,
		unsub:       unsub,
	}
}

// Next returns the next set of events to deliver, blocking until new events
// are published, the context is cancelled, or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (structs.Events, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return structs.Events{}, ErrSubscriptionClosed
	}

	for {
		next, err := s.currentItem.Next(ctx, s.forceClosed)
		switch {
		case err != nil && atomic.LoadUint32(&s.state) == subscriptionStateClosed:
			return structs.Events{}, ErrSubscriptionClosed
		case err != nil:
			return structs.Events{}, err
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return structs.Events{Index: next.Events.Index, Events: events}, nil
	}
}

// NextNoBlock returns the next set of events to deliver without blocking.
// Returns empty events and nil next item if the subscription is closed.
func (s *Subscription) NextNoBlock() ([]structs.Event, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return nil, ErrSubscriptionClosed
	}

	for {
		next := s.currentItem.NextNoBlock()
		if next == nil {
			return nil, nil
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return events, nil
	}
}

func (s *Subscription) forceClose() {
	if atomic.CompareAndSwapUint32(&s.state, subscriptionStateOpen, subscriptionStateClosed) {
		close(s.forceClosed)
	}
}

// Unsubscribe the subscription, freeing resources.
func (s *Subscription) Unsubscribe() {
	if s.unsub != nil {
		s.unsub()
	}
}

// filter events to only those that match the subscription request. A
// request key matches an event when it equals the event Key, appears in the
// event FilterKeys, or is the wildcard.
func filter(req *SubscribeRequest, events []structs.Event) []structs.Event {
	if len(events) == 0 {
		return events
	}

	allTopicKeys := req.Topics[structs.TopicAll]

	if len(allTopicKeys) == 1 && allTopicKeys[0] == string(structs.TopicAll) {
		return events
	}

	var count int
	for _, e := range events {
		if matchesTopic(req, allTopicKeys, e) {
			count++
		}
	}

	// Only allocate a new slice if some events need to be filtered out
	switch count {
	case 0:
		return nil
	case len(events):
		return events
	}

	result := make([]structs.Event, 0, count)
	for _, e := range events {
		if matchesTopic(req, allTopicKeys, e) {
			result = append(result, e)
		}
	}
	return result
}

func matchesTopic(req *SubscribeRequest, allTopicKeys []string, e structs.Event) bool {
	keys, ok := req.Topics[e.Topic]
	if !ok {
		keys = allTopicKeys
	}

	for _, k := range keys {
		if e.Key == k || k == string(structs.TopicAll) {
			return true
		}
		for _, fk := range e.FilterKeys {
			if fk == k {
				return true
			}
		}
	}
	return false
}
