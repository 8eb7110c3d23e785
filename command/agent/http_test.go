// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/sentinel/ci"
	"github.com/shoenig/test/must"
)

// httpTest runs the given function against a started test agent.
func httpTest(t *testing.T, cb func(c *Config), f func(srv *TestAgent)) {
	s := NewTestAgent(t, cb)
	f(s)
}

func TestHTTPServer_Ping(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		resp, err := http.Get(s.url("/v1/status/ping"))
		must.NoError(t, err)
		defer resp.Body.Close()

		must.Eq(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		must.NoError(t, err)
		must.StrContains(t, string(body), "ok")
	})
}

func TestHTTPServer_PrettyPrint(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		resp, err := http.Get(s.url("/v1/status/version?pretty"))
		must.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		must.NoError(t, err)

		out := string(body)
		must.StrContains(t, out, "\n    ")
		must.True(t, strings.HasSuffix(out, "\n"))
	})
}

func TestHTTPServer_ResponseHeaders(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, func(c *Config) {
		c.HTTPAPIResponseHeaders = map[string]string{"X-Frame-Options": "DENY"}
	}, func(s *TestAgent) {
		resp, err := http.Get(s.url("/v1/status/ping"))
		must.NoError(t, err)
		defer resp.Body.Close()

		must.Eq(t, "DENY", resp.Header.Get("X-Frame-Options"))
	})
}

func TestHTTPServer_Gzip(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		req, err := http.NewRequest(http.MethodGet, s.url("/v1/status/ping"), nil)
		must.NoError(t, err)
		req.Header.Set("Accept-Encoding", "gzip")

		// disable the default transport's auto-decompression so the
		// header survives
		client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
		resp, err := client.Do(req)
		must.NoError(t, err)
		defer resp.Body.Close()

		must.Eq(t, "gzip", resp.Header.Get("Content-Encoding"))
	})
}

func TestHTTPServer_ErrorCodes(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		// unknown rollout maps to a 404
		resp, err := http.Get(s.url("/v1/rollout/does-not-exist"))
		must.NoError(t, err)
		resp.Body.Close()
		must.Eq(t, http.StatusNotFound, resp.StatusCode)

		// invalid method maps to a 405
		req, err := http.NewRequest(http.MethodDelete, s.url("/v1/rollouts"), nil)
		must.NoError(t, err)
		resp, err = http.DefaultClient.Do(req)
		must.NoError(t, err)
		resp.Body.Close()
		must.Eq(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestHTTPServer_PprofDisabledByDefault(t *testing.T) {
	ci.Parallel(t)

	// dev mode enables the debug endpoints
	httpTest(t, nil, func(s *TestAgent) {
		resp, err := http.Get(s.url("/debug/pprof/cmdline"))
		must.NoError(t, err)
		resp.Body.Close()
		must.Eq(t, http.StatusOK, resp.StatusCode)
	})

	// a production style config does not
	httpTest(t, func(c *Config) {
		c.EnableDebug = false
	}, func(s *TestAgent) {
		resp, err := http.Get(s.url("/debug/pprof/cmdline"))
		must.NoError(t, err)
		resp.Body.Close()
		must.Eq(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestPrettyPrint(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		url    string
		pretty bool
	}{
		{"/v1/rollouts?pretty", true},
		{"/v1/rollouts?pretty=1", true},
		{"/v1/rollouts?pretty=0", false},
		{"/v1/rollouts", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.url, nil)
		must.Eq(t, tc.pretty, prettyPrint(req), must.Sprintf("url: %s", tc.url))
	}
}
