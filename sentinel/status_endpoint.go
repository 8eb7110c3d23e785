// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"github.com/hashicorp/sentinel/sentinel/structs"
	"github.com/hashicorp/sentinel/version"
)

// Status endpoint is used to check on server status.
type Status struct {
	srv *Server
}

// Ping is used to just check for connectivity.
func (s *Status) Ping(args *structs.GenericRequest, reply *structs.PingResponse) error {
	reply.Status = "ok"
	return nil
}

// Version returns the running version.
func (s *Status) Version(args *structs.GenericRequest, reply *structs.VersionResponse) error {
	reply.Version = version.GetVersion().VersionNumber()

	index, err := s.srv.fsm().LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}
