// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"
)

// allowCORS sets permissive CORS headers for a handler
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer is used to wrap an Agent and expose it over an HTTP interface
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts a new HTTP server over the agent
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	if err := config.normalizeAddrs(); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", config.normalizedAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %w", err)
	}

	mux := http.NewServeMux()

	srv := &HTTPServer{
		agent:      agent,
		mux:        mux,
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	// Handle requests with gzip compression
	gzip, err := gziphandler.GzipHandlerWithOpts(gziphandler.MinSize(0))
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, gzip(mux))
	}()

	return srv, nil
}

// Shutdown is used to shutdown the HTTP server
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh // block until http.Serve has returned.
	}
}

// registerHandlers is used to attach our handlers to the mux
func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/rollouts", s.wrap(s.RolloutsRequest))
	s.mux.HandleFunc("/v1/rollout/", s.wrap(s.RolloutSpecificRequest))

	s.mux.HandleFunc("/v1/nodes", s.wrap(s.NodesRequest))
	s.mux.HandleFunc("/v1/node/", s.wrap(s.NodeSpecificRequest))
	s.mux.HandleFunc("/v1/node-groups", s.wrap(s.NodeGroupsRequest))

	s.mux.HandleFunc("/v1/bundles", s.wrap(s.BundlesRequest))
	s.mux.HandleFunc("/v1/bundle/", s.wrap(s.BundleSpecificRequest))

	s.mux.HandleFunc("/v1/drift", s.wrap(s.DriftRequest))
	s.mux.HandleFunc("/v1/drift/", s.wrap(s.DriftSpecificRequest))

	s.mux.HandleFunc("/v1/projects", s.wrap(s.ProjectsRequest))
	s.mux.HandleFunc("/v1/users", s.wrap(s.UsersRequest))
	s.mux.HandleFunc("/v1/health-checks", s.wrap(s.HealthChecksRequest))

	s.mux.Handle("/v1/event/stream", wrapCORS(s.wrap(s.EventStream)))

	s.mux.HandleFunc("/v1/agent/self", s.wrap(s.AgentSelfRequest))
	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))

	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))

	s.mux.HandleFunc("/v1/status/ping", s.wrap(s.StatusPingRequest))
	s.mux.HandleFunc("/v1/status/version", s.wrap(s.StatusVersionRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// wrap is used to wrap functions to make them more convenient
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	f := func(resp http.ResponseWriter, req *http.Request) {
		setHeaders(resp, s.agent.config.HTTPAPIResponseHeaders)
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()
		obj, err := handler(resp, req)

		if err != nil {
			code := http.StatusInternalServerError
			errMsg := err.Error()
			if http, ok := err.(HTTPCodedError); ok {
				code = http.Code()
			} else {
				// Errors crossing the RPC boundary lose their identity,
				// so classify by message.
				switch {
				case structs.IsErrNotAuthorized(err):
					code = 403
				case structs.IsErrUnknownRollout(err), structs.IsErrUnknownNode(err),
					structs.IsErrUnknownBundle(err), structs.IsErrUnknownProject(err):
					code = 404
				case structs.IsErrInvalidState(err), structs.IsErrSelfApproval(err),
					structs.IsErrAlreadyApproved(err), structs.IsErrCommentRequired(err),
					structs.IsErrBundleRevoked(err), structs.IsErrBundleNotCompiled(err),
					structs.IsErrNoTargetNodes(err):
					code = 400
				}
			}

			s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err, "code", code)
			resp.WriteHeader(code)
			resp.Write([]byte(errMsg))
			return
		}

		// Write out the JSON object
		if obj != nil {
			var buf []byte
			if prettyPrint(req) {
				buf, err = json.MarshalIndent(obj, "", "    ")
				if err == nil {
					buf = append(buf, "\n"...)
				}
			} else {
				buf, err = json.Marshal(obj)
			}
			if err != nil {
				s.logger.Error("response encoding failed", "path", reqURL, "error", err)
				resp.WriteHeader(http.StatusInternalServerError)
				resp.Write([]byte(err.Error()))
				return
			}
			resp.Header().Set("Content-Type", "application/json")
			resp.Write(buf)
		}
	}
	return f
}

// prettyPrint returns true if the ?pretty query parameter is set.
func prettyPrint(req *http.Request) bool {
	if v, ok := req.URL.Query()["pretty"]; ok {
		if len(v) > 0 && (len(v[0]) == 0 || v[0] != "0") {
			return true
		}
	}
	return false
}

// decodeBody is used to decode a JSON request body
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(&out)
}

// setIndex is used to set the index response header
func setIndex(resp http.ResponseWriter, index uint64) {
	resp.Header().Set("X-Sentinel-Index", strconv.FormatUint(index, 10))
}

// setHeaders is used to set canonical response header fields
func setHeaders(resp http.ResponseWriter, headers map[string]string) {
	for field, value := range headers {
		resp.Header().Set(http.CanonicalHeaderKey(field), value)
	}
}

// parseProject is used to parse the ?project query parameter
func parseProject(req *http.Request, p *string) {
	if other := req.URL.Query().Get("project"); other != "" {
		*p = other
	}
}

// parsePrefix is used to parse the ?prefix query param
func parsePrefix(req *http.Request, b *structs.QueryOptions) {
	if prefix := req.URL.Query().Get("prefix"); prefix != "" {
		b.Prefix = prefix
	}
}

// parseToken is used to parse the X-Sentinel-Token header
func (s *HTTPServer) parseToken(req *http.Request, token *string) {
	if other := req.Header.Get("X-Sentinel-Token"); other != "" {
		*token = other
	}
}

// parse is a convenience method for endpoints that read query options
func (s *HTTPServer) parse(req *http.Request, b *structs.QueryOptions) {
	parseProject(req, &b.Project)
	parsePrefix(req, b)
	s.parseToken(req, &b.AuthToken)
}

// parseWriteRequest is a convenience method for endpoints that need to parse
// a write request.
func (s *HTTPServer) parseWriteRequest(req *http.Request, w *structs.WriteRequest) {
	parseProject(req, &w.Project)
	s.parseToken(req, &w.AuthToken)
}

// wrapCORS wraps a HandlerFunc in allowCORS and returns a http.Handler
func wrapCORS(f func(http.ResponseWriter, *http.Request)) http.Handler {
	return allowCORS.Handler(http.HandlerFunc(f))
}
