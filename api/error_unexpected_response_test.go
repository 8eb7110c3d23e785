// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/shoenig/test/must"
)

func TestUnexpectedResponseError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.Handle("/v1/bundle/badStatus", testHandler(http.StatusAccepted, `{"ID":"b1"}`))
	mux.Handle("/v1/bundle/", testNotFoundHandler("bundle not found"))
	client, _ := makeClient(t, mux, nil)

	// WrongStatus tests that an UnexpectedResponseError is generated and
	// filled with the correct data when a response code that the API client
	// wasn't looking for is returned by the server.
	t.Run("WrongStatus", func(t *testing.T) {
		b, _, err := client.Bundles().Info("badStatus", nil)
		must.Nil(t, b)
		must.Error(t, err)

		ure, ok := err.(UnexpectedResponseError)
		must.True(t, ok)

		must.True(t, ure.HasStatusCode())
		must.Eq(t, http.StatusAccepted, ure.StatusCode())

		must.True(t, ure.HasStatusText())
		must.Eq(t, http.StatusText(http.StatusAccepted), ure.StatusText())

		must.True(t, ure.HasBody())
		must.Eq(t, `{"ID":"b1"}`, ure.Body())

		must.True(t, ure.HasExpectedStatuses())
		must.Eq(t, []int{http.StatusOK}, ure.ExpectedStatuses())
	})

	// NotFound tests that a 404 is surfaced, since the requireOK wrapper
	// doesn't "expect" 404s.
	t.Run("NotFound", func(t *testing.T) {
		b, _, err := client.Bundles().Info("wat", nil)
		must.Nil(t, b)
		must.Error(t, err)

		ure, ok := err.(UnexpectedResponseError)
		must.True(t, ok)

		must.True(t, ure.HasStatusCode())
		must.Eq(t, http.StatusNotFound, ure.StatusCode())
		must.Eq(t, "bundle not found", ure.Body())
	})
}

func TestUnexpectedResponseError_FromStatusCode(t *testing.T) {
	t.Parallel()

	ure := NewUnexpectedResponseError(
		FromStatusCode(http.StatusTeapot),
		WithBody("short and stout"),
	)

	must.Eq(t, http.StatusTeapot, ure.StatusCode())
	must.Eq(t, http.StatusText(http.StatusTeapot), ure.StatusText())
	must.Eq(t, "short and stout", ure.Body())
	must.StrContains(t, ure.Error(), "418")
	must.StrContains(t, ure.Error(), "short and stout")
}

func TestUnexpectedResponseError_WithError(t *testing.T) {
	t.Parallel()

	inner := errors.New("gzip: invalid header")
	ure := NewUnexpectedResponseError(
		FromStatusCode(http.StatusInternalServerError),
		WithError(inner),
	)

	must.True(t, ure.HasError())
	must.Eq(t, inner, ure.Unwrap())
}

func testHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

func testNotFoundHandler(msg string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, msg, http.StatusNotFound)
	})
}
