// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/sentinel/mock"
	"github.com/hashicorp/sentinel/sentinel/structs"
	"github.com/shoenig/test/must"
)

func TestHTTP_EventStream(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			s.url("/v1/event/stream?topic=Node"), nil)
		must.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		must.NoError(t, err)
		defer resp.Body.Close()
		must.Eq(t, http.StatusOK, resp.StatusCode)

		// publish something on the subscribed topic
		node := mock.Node()
		var nResp structs.NodeUpdateResponse
		must.NoError(t, s.RPC("Node.Upsert", &structs.NodeUpsertRequest{Node: node}, &nResp))

		// frames are newline delimited json; skip heartbeats until the
		// node event arrives
		scanner := bufio.NewScanner(resp.Body)
		var got structs.Events
		for scanner.Scan() {
			var frame structs.Events
			must.NoError(t, json.Unmarshal(scanner.Bytes(), &frame))
			if frame.Index == 0 && len(frame.Events) == 0 {
				continue
			}
			got = frame
			break
		}
		must.NoError(t, scanner.Err())

		must.Len(t, 1, got.Events)
		must.Eq(t, structs.TopicNode, got.Events[0].Topic)
		must.Eq(t, node.ID, got.Events[0].Key)
	})
}

func TestHTTP_EventStream_InvalidRequests(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		resp, err := http.Get(s.url("/v1/event/stream?index=not-a-number"))
		must.NoError(t, err)
		resp.Body.Close()
		must.Eq(t, http.StatusBadRequest, resp.StatusCode)

		resp, err = http.Get(s.url("/v1/event/stream?topic=" + url.QueryEscape("a:b:c")))
		must.NoError(t, err)
		resp.Body.Close()
		must.Eq(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestParseEventTopics(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name   string
		query  string
		expect map[structs.Topic][]string
	}{
		{
			name:   "no topics means everything",
			query:  "",
			expect: map[structs.Topic][]string{"*": {"*"}},
		},
		{
			name:   "topic without key gets a wildcard",
			query:  "topic=Rollout",
			expect: map[structs.Topic][]string{structs.TopicRollout: {"*"}},
		},
		{
			name:  "topic with keys",
			query: "topic=Rollout:abc&topic=Rollout:def&topic=Node",
			expect: map[structs.Topic][]string{
				structs.TopicRollout: {"abc", "def"},
				structs.TopicNode:    {"*"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			query, err := url.ParseQuery(tc.query)
			must.NoError(t, err)

			topics, err := parseEventTopics(query)
			must.NoError(t, err)
			must.Eq(t, tc.expect, topics)
		})
	}
}
