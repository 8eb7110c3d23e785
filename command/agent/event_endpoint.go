// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/sentinel/sentinel/stream"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// eventStreamHeartbeat is the interval of the keepalive frames sent on
// otherwise quiet event streams.
const eventStreamHeartbeat = 10 * time.Second

func (s *HTTPServer) EventStream(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	query := req.URL.Query()

	indexStr := query.Get("index")
	if indexStr == "" {
		indexStr = "0"
	}
	index, err := strconv.ParseUint(indexStr, 10, 64)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, fmt.Sprintf("Unable to parse index: %v", err))
	}

	topics, err := parseEventTopics(query)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, fmt.Sprintf("Invalid topic query: %v", err))
	}

	broker, err := s.agent.Server().State().EventBroker()
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err.Error())
	}

	sub, err := broker.Subscribe(&stream.SubscribeRequest{
		Index:  index,
		Topics: topics,
	})
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err.Error())
	}
	defer sub.Unsubscribe()

	flusher, ok := resp.(http.Flusher)
	if !ok {
		return nil, CodedError(http.StatusInternalServerError, "streaming not supported")
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.Header().Set("Cache-Control", "no-cache")

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	jsonStream := stream.NewJsonStream(ctx, eventStreamHeartbeat)
	errCh := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			events, err := sub.Next(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if err := jsonStream.Send(events); err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrSubscriptionClosed) {
				return nil, nil
			}
			return nil, CodedError(http.StatusInternalServerError, err.Error())
		case frame := <-jsonStream.OutCh():
			// Each frame is its own line per ndjson.org.
			if _, err := resp.Write(append(frame.Data, '\n')); err != nil {
				return nil, nil
			}
			flusher.Flush()
		}
	}
}

func parseEventTopics(query url.Values) (map[structs.Topic][]string, error) {
	raw, ok := query["topic"]
	if !ok {
		return allTopics(), nil
	}
	topics := make(map[structs.Topic][]string)

	for _, topic := range raw {
		k, v, err := parseTopic(topic)
		if err != nil {
			return nil, fmt.Errorf("error parsing topics: %w", err)
		}

		topics[structs.Topic(k)] = append(topics[structs.Topic(k)], v)
	}
	return topics, nil
}

func parseTopic(topic string) (string, string, error) {
	parts := strings.Split(topic, ":")
	// infer wildcard if only given a topic
	if len(parts) == 1 {
		return topic, "*", nil
	} else if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid key value pair for topic: %s", topic)
	}
	return parts[0], parts[1], nil
}

func allTopics() map[structs.Topic][]string {
	return map[structs.Topic][]string{"*": {"*"}}
}
