// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"

	"github.com/hashicorp/sentinel/helper/testlog"
)

// TestStateStore returns a memory-only state store with the event publisher
// enabled, suitable for tests.
func TestStateStore(t testing.TB) *StateStore {
	config := &StateStoreConfig{
		Logger:          testlog.HCLogger(t),
		EnablePublisher: true,
		EventBufferSize: 100,
	}
	store, err := NewStateStore(config)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if store == nil {
		t.Fatalf("missing state store")
	}
	return store
}
