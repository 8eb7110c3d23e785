// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult repeatedly runs test until it succeeds or the retry budget
// is exhausted, at which point error is invoked with the last failure.
func WaitForResult(test testFn, error errorFn) {
	WaitForResultRetries(500*TestMultiplier(), test, error)
}

func WaitForResultRetries(retries int64, test testFn, error errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			error(err)
		}
	}
}

// WaitForResultUntil waits the duration for the test to pass.
// Otherwise error is called after the deadline expires.
func WaitForResultUntil(until time.Duration, test testFn, errorFunc errorFn) {
	var success bool
	var err error
	deadline := time.Now().Add(until)
	for time.Now().Before(deadline) {
		success, err = test()
		if success {
			return
		}
		// Sleep some arbitrary fraction of the deadline
		time.Sleep(until / 30)
	}
	errorFunc(err)
}

// AssertUntil asserts the test function passes throughout the given duration.
// Otherwise error is called on failure.
func AssertUntil(until time.Duration, test testFn, error errorFn) {
	deadline := time.Now().Add(until)
	for time.Now().Before(deadline) {
		success, err := test()
		if !success {
			error(err)
			return
		}
		// Sleep some arbitrary fraction of the deadline
		time.Sleep(until / 10)
	}
}

// TestMultiplier returns a multiplier for retries and waits given environment
// the tests are being run under.
func TestMultiplier() int64 {
	if IsCI() {
		return 4
	}
	return 1
}

func IsCI() bool {
	_, ok := os.LookupEnv("CI")
	return ok
}

type rpcFn func(string, interface{}, interface{}) error

// WaitForServer blocks until the server answers RPCs or the wait budget is
// exhausted.
func WaitForServer(t *testing.T, rpc rpcFn) {
	t.Helper()

	WaitForResult(func() (bool, error) {
		args := &structs.GenericRequest{}
		var out structs.PingResponse
		err := rpc("Status.Ping", args, &out)
		return err == nil, err
	}, func(err error) {
		t.Fatalf("failed to ping server: %v", err)
	})
}
