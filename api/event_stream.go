// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Topic is an event stream topic.
type Topic string

const (
	TopicRollout  Topic = "Rollout"
	TopicApproval Topic = "Approval"
	TopicDrift    Topic = "Drift"
	TopicNode     Topic = "Node"
	TopicAll      Topic = "*"
)

// Events is a set of events for a corresponding index. Events returned for the
// index depend on which topics are subscribed to when a request is made.
type Events struct {
	Index  uint64
	Events []Event
	Err    error
}

// Event holds information related to an event that occurred in Sentinel.
// The Payload is a hydrated object related to the Topic.
type Event struct {
	Topic      Topic
	Type       string
	Key        string
	FilterKeys []string
	Index      uint64
	Payload    map[string]interface{}
}

// RolloutApproval records one approval or rejection decision on a rollout.
type RolloutApproval struct {
	RolloutID   string
	UserID      string
	Granted     bool
	Comment     string
	CreateTime  time.Time
	CreateIndex uint64
	ModifyIndex uint64
}

// Rollout decodes the rollout carried by a rollout topic event.
func (e *Event) Rollout() (*Rollout, error) {
	out := &Rollout{}
	if err := e.decodePayload("Rollout", out); err != nil {
		return nil, err
	}
	return out, nil
}

// Node decodes the node carried by a node topic event.
func (e *Event) Node() (*Node, error) {
	out := &Node{}
	if err := e.decodePayload("Node", out); err != nil {
		return nil, err
	}
	return out, nil
}

// DriftEvent decodes the drift event carried by a drift topic event.
func (e *Event) DriftEvent() (*DriftEvent, error) {
	out := &DriftEvent{}
	if err := e.decodePayload("DriftEvent", out); err != nil {
		return nil, err
	}
	return out, nil
}

// Approval decodes the approval carried by an approval topic event.
func (e *Event) Approval() (*RolloutApproval, error) {
	out := &RolloutApproval{}
	if err := e.decodePayload("Approval", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Event) decodePayload(key string, out interface{}) error {
	raw, ok := e.Payload[key]
	if !ok {
		return fmt.Errorf("unexpected payload for topic %q", e.Topic)
	}

	cfg := &mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
	}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// IsHeartbeat specifies if the event is an empty heartbeat used to
// keep a connection alive.
func (e *Events) IsHeartbeat() bool {
	return e.Index == 0 && len(e.Events) == 0
}

// EventStream is used to stream events from Sentinel.
type EventStream struct {
	client *Client
}

// EventStream returns a handle to the Events endpoint.
func (c *Client) EventStream() *EventStream {
	return &EventStream{client: c}
}

// Stream establishes a new subscription to Sentinel's event stream and
// streams results back to the returned channel.
func (e *EventStream) Stream(ctx context.Context, topics map[Topic][]string, index uint64, q *QueryOptions) (<-chan *Events, error) {
	r, err := e.client.newRequest("GET", "/v1/event/stream")
	if err != nil {
		return nil, err
	}
	q = q.WithContext(ctx)
	if q.Params == nil {
		q.Params = map[string]string{}
	}
	q.Params["index"] = strconv.FormatUint(index, 10)
	r.setQueryOptions(q)

	for topic, keys := range topics {
		for _, k := range keys {
			r.params.Add("topic", fmt.Sprintf("%s:%s", topic, k))
		}
	}

	_, resp, err := requireOK(e.client.doRequest(r)) //nolint:bodyclose
	if err != nil {
		return nil, err
	}

	eventsCh := make(chan *Events, 10)
	go func() {
		defer resp.Body.Close()
		defer close(eventsCh)

		dec := json.NewDecoder(resp.Body)
		for ctx.Err() == nil {
			// Decode next newline delimited json of events.
			var events Events
			if err := dec.Decode(&events); err != nil {
				// set error and fallthrough to
				// select eventsCh
				events = Events{Err: err}
			}
			if events.Err == nil && events.IsHeartbeat() {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case eventsCh <- &events:
				if events.Err != nil {
					return
				}
			}
		}
	}()

	return eventsCh, nil
}
