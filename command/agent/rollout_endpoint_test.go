// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/sentinel/mock"
	"github.com/hashicorp/sentinel/sentinel/structs"
	"github.com/shoenig/test/must"
)

// seedRolloutTarget registers a compiled bundle and one online node so a
// rollout targeting everything has something to land on.
func seedRolloutTarget(t *testing.T, s *TestAgent) *structs.Bundle {
	bundle := mock.Bundle()
	var bResp structs.BundleUpsertResponse
	must.NoError(t, s.RPC("Bundle.Upsert", &structs.BundleUpsertRequest{Bundle: bundle}, &bResp))

	node := mock.Node()
	var nResp structs.NodeUpdateResponse
	must.NoError(t, s.RPC("Node.Upsert", &structs.NodeUpsertRequest{Node: node}, &nResp))

	return bundle
}

func TestHTTP_RolloutCreateAndList(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		bundle := seedRolloutTarget(t, s)

		rollout := mock.Rollout()
		rollout.BundleID = bundle.ID

		buf, err := json.Marshal(&structs.RolloutCreateRequest{Rollout: rollout})
		must.NoError(t, err)

		req := httptest.NewRequest(http.MethodPut, "/v1/rollouts", bytes.NewReader(buf))
		respW := httptest.NewRecorder()

		obj, err := s.Server.RolloutsRequest(respW, req)
		must.NoError(t, err)

		created := obj.(*structs.Rollout)
		must.NotEq(t, "", created.ID)
		must.NotEq(t, "", respW.Header().Get("X-Sentinel-Index"))

		// List returns it
		req = httptest.NewRequest(http.MethodGet, "/v1/rollouts", nil)
		respW = httptest.NewRecorder()

		obj, err = s.Server.RolloutsRequest(respW, req)
		must.NoError(t, err)

		list := obj.([]*structs.Rollout)
		must.Len(t, 1, list)
		must.Eq(t, created.ID, list[0].ID)

		// Filtering by a state the rollout is not in returns nothing
		req = httptest.NewRequest(http.MethodGet, "/v1/rollouts?state="+structs.RolloutStatePaused, nil)
		respW = httptest.NewRecorder()

		obj, err = s.Server.RolloutsRequest(respW, req)
		must.NoError(t, err)
		must.Len(t, 0, obj.([]*structs.Rollout))
	})
}

func TestHTTP_RolloutQuery(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		bundle := seedRolloutTarget(t, s)

		rollout := mock.Rollout()
		rollout.BundleID = bundle.ID
		var cResp structs.RolloutCreateResponse
		must.NoError(t, s.RPC("Rollout.Create", &structs.RolloutCreateRequest{Rollout: rollout}, &cResp))

		req := httptest.NewRequest(http.MethodGet, "/v1/rollout/"+cResp.Rollout.ID, nil)
		respW := httptest.NewRecorder()

		obj, err := s.Server.RolloutSpecificRequest(respW, req)
		must.NoError(t, err)

		details := obj.(*structs.RolloutDetails)
		must.Eq(t, cResp.Rollout.ID, details.Rollout.ID)
		must.SliceNotEmpty(t, details.Steps)

		// unknown rollouts surface as not-found errors
		req = httptest.NewRequest(http.MethodGet, "/v1/rollout/does-not-exist", nil)
		respW = httptest.NewRecorder()

		_, err = s.Server.RolloutSpecificRequest(respW, req)
		must.Error(t, err)
		must.True(t, structs.IsErrUnknownRollout(err))
	})
}

func TestHTTP_RolloutPauseResume(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		bundle := seedRolloutTarget(t, s)

		rollout := mock.Rollout()
		rollout.BundleID = bundle.ID
		var cResp structs.RolloutCreateResponse
		must.NoError(t, s.RPC("Rollout.Create", &structs.RolloutCreateRequest{Rollout: rollout}, &cResp))
		id := cResp.Rollout.ID

		req := httptest.NewRequest(http.MethodPut, "/v1/rollout/"+id+"/pause", nil)
		respW := httptest.NewRecorder()

		obj, err := s.Server.RolloutSpecificRequest(respW, req)
		must.NoError(t, err)
		must.Eq(t, structs.RolloutStatePaused, obj.(*structs.Rollout).State)

		req = httptest.NewRequest(http.MethodPut, "/v1/rollout/"+id+"/resume", nil)
		respW = httptest.NewRecorder()

		obj, err = s.Server.RolloutSpecificRequest(respW, req)
		must.NoError(t, err)
		must.Eq(t, structs.RolloutStateRunning, obj.(*structs.Rollout).State)
	})
}

func TestHTTP_RolloutApprove(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		// an approval quorum of one keeps the rollout waiting
		project := mock.Project()
		project.ID = structs.DefaultProject
		project.ApprovalsNeeded = 1
		var pResp structs.GenericResponse
		must.NoError(t, s.RPC("Project.Upsert", &structs.ProjectUpsertRequest{Project: project}, &pResp))

		creator := mock.User()
		approver := mock.User()
		for _, u := range []*structs.User{creator, approver} {
			var uResp structs.GenericResponse
			must.NoError(t, s.RPC("Project.UpsertUser", &structs.UserUpsertRequest{User: u}, &uResp))
		}

		bundle := seedRolloutTarget(t, s)

		rollout := mock.Rollout()
		rollout.BundleID = bundle.ID
		var cResp structs.RolloutCreateResponse
		must.NoError(t, s.RPC("Rollout.Create", &structs.RolloutCreateRequest{
			Rollout:      rollout,
			WriteRequest: structs.WriteRequest{AuthToken: creator.ID},
		}, &cResp))
		must.Eq(t, structs.RolloutStateAwaitingApproval, cResp.Rollout.State)

		body := bytes.NewBufferString(`{"Comment": "lgtm"}`)
		req := httptest.NewRequest(http.MethodPut, "/v1/rollout/"+cResp.Rollout.ID+"/approve", body)
		req.Header.Set("X-Sentinel-Token", approver.ID)
		respW := httptest.NewRecorder()

		obj, err := s.Server.RolloutSpecificRequest(respW, req)
		must.NoError(t, err)

		out := obj.(*structs.Rollout)
		must.Eq(t, structs.RolloutApprovalApproved, out.ApprovalState)
	})
}
