// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"testing"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/sentinel/structs"

	"github.com/stretchr/testify/require"
)

func TestFilter_AllTopics(t *testing.T) {
	ci.Parallel(t)

	events := []structs.Event{
		{Topic: "Test", Key: "One"},
		{Topic: "Test", Key: "Two"},
	}

	req := &SubscribeRequest{
		Topics: map[structs.Topic][]string{
			"*": {"*"},
		},
	}
	actual := filter(req, events)
	require.Equal(t, events, actual)
}

func TestFilter_AllKeys(t *testing.T) {
	ci.Parallel(t)

	events := []structs.Event{
		{Topic: "Test", Key: "One"},
		{Topic: "Test", Key: "Two"},
	}

	req := &SubscribeRequest{
		Topics: map[structs.Topic][]string{
			"Test": {"*"},
		},
	}
	actual := filter(req, events)
	require.Equal(t, events, actual)
}

func TestFilter_PartialMatch_Topic(t *testing.T) {
	ci.Parallel(t)

	events := []structs.Event{
		{Topic: "Test", Key: "One"},
		{Topic: "Test", Key: "Two"},
		{Topic: "Exclude", Key: "Three"},
	}

	req := &SubscribeRequest{
		Topics: map[structs.Topic][]string{
			"Test": {"*"},
		},
	}
	actual := filter(req, events)
	expected := []structs.Event{
		{Topic: "Test", Key: "One"},
		{Topic: "Test", Key: "Two"},
	}
	require.Equal(t, expected, actual)
	require.Equal(t, 2, cap(actual))
}

func TestFilter_Key_WithTopicAll(t *testing.T) {
	ci.Parallel(t)

	events := []structs.Event{
		{Topic: "Match", Key: "One"},
		{Topic: "NoMatch", Key: "Two"},
	}

	req := &SubscribeRequest{
		Topics: map[structs.Topic][]string{
			"*": {"One"},
		},
	}
	actual := filter(req, events)
	expected := []structs.Event{
		{Topic: "Match", Key: "One"},
	}
	require.Equal(t, expected, actual)
}

func TestFilter_FilterKeys(t *testing.T) {
	ci.Parallel(t)

	events := []structs.Event{
		{Topic: "Test", Key: "r-1", FilterKeys: []string{"project-1"}},
		{Topic: "Test", Key: "r-2", FilterKeys: []string{"project-2"}},
	}

	req := &SubscribeRequest{
		Topics: map[structs.Topic][]string{
			"Test": {"project-1"},
		},
	}
	actual := filter(req, events)
	expected := []structs.Event{
		{Topic: "Test", Key: "r-1", FilterKeys: []string{"project-1"}},
	}
	require.Equal(t, expected, actual)
}

func TestFilter_NoMatch(t *testing.T) {
	ci.Parallel(t)

	events := []structs.Event{
		{Topic: "Test", Key: "One"},
		{Topic: "Test", Key: "Two"},
	}

	req := &SubscribeRequest{
		Topics: map[structs.Topic][]string{
			"Other": {"*"},
		},
	}
	actual := filter(req, events)
	require.Nil(t, actual)
}
