// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"fmt"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/helper/pointer"
	"github.com/hashicorp/sentinel/helper/uuid"
	"github.com/hashicorp/sentinel/sentinel/state"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// Rollout endpoint is used to manipulate rollouts.
type Rollout struct {
	srv    *Server
	logger hclog.Logger
}

// Create is used to create a new rollout. When neither the approval gate nor
// a schedule applies, the rollout is planned and started before the call
// returns; otherwise it waits for its gate.
func (r *Rollout) Create(args *structs.RolloutCreateRequest, reply *structs.RolloutCreateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "create"}, time.Now())

	if args.Rollout == nil {
		return fmt.Errorf("missing rollout")
	}

	rollout := args.Rollout.Copy()
	if rollout.ProjectID == "" {
		rollout.ProjectID = args.Project
	}
	if rollout.ProjectID == "" {
		rollout.ProjectID = structs.DefaultProject
	}
	if err := rollout.Validate(); err != nil {
		return err
	}
	if rollout.ProgressDeadline == nil {
		rollout.ProgressDeadline = pointer.Of(r.srv.config.DefaultProgressDeadline)
	}

	rollout.ID = uuid.Generate()
	rollout.CreatedBy = args.AuthToken
	rollout.Error = nil
	rollout.StartedAt = time.Time{}
	rollout.CompletedAt = time.Time{}

	approvalsNeeded, err := r.approvalsNeeded(rollout.ProjectID)
	if err != nil {
		return err
	}
	if approvalsNeeded > 0 {
		rollout.State = structs.RolloutStateAwaitingApproval
		rollout.ApprovalState = structs.RolloutApprovalPending
	} else {
		rollout.State = structs.RolloutStatePending
		rollout.ApprovalState = structs.RolloutApprovalNotRequired
	}

	now := structs.TimestampNow()
	planNow := approvalsNeeded == 0 &&
		(rollout.ScheduledAt == nil || !rollout.ScheduledAt.After(now))

	if planNow {
		// Resolve eagerly so a selector matching nothing fails the call
		// before anything is written.
		bundle, err := r.srv.fsm().BundleByID(nil, rollout.BundleID)
		if err != nil {
			return err
		}
		if bundle == nil {
			return fmt.Errorf("%w %q", structs.ErrUnknownBundle, rollout.BundleID)
		}
		if _, err := r.srv.resolveTargets(rollout, bundle); err != nil {
			return err
		}
	}

	index := r.srv.nextIndex()
	if err := r.srv.fsm().UpsertRollout(index, rollout); err != nil {
		return err
	}

	if planNow {
		if err := r.srv.planRollout(rollout); err != nil && !structs.IsErrInvalidState(err) {
			return err
		}
	}

	stored, err := r.srv.fsm().RolloutByID(nil, rollout.ID)
	if err != nil {
		return err
	}
	reply.Rollout = stored
	reply.Index = index
	return nil
}

// Get returns a rollout with its steps and per-node statuses.
func (r *Rollout) Get(args *structs.RolloutSpecificRequest, reply *structs.SingleRolloutResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "get"}, time.Now())

	details, err := r.srv.fsm().RolloutDetails(nil, args.RolloutID)
	if err != nil {
		return err
	}
	if details == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownRollout, args.RolloutID)
	}

	reply.Details = details
	return r.setQueryMeta(&reply.QueryMeta)
}

// List returns rollouts, optionally filtered by project and state.
func (r *Rollout) List(args *structs.RolloutListRequest, reply *structs.RolloutListResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "list"}, time.Now())

	if args.State != "" && !structs.ValidRolloutState(args.State) {
		return fmt.Errorf("unrecognized rollout state %q", args.State)
	}

	var iter memdb.ResultIterator
	var err error
	switch {
	case args.State != "":
		iter, err = r.srv.fsm().RolloutsByState(nil, args.State)
	case args.Project != "":
		iter, err = r.srv.fsm().RolloutsByProject(nil, args.Project)
	default:
		iter, err = r.srv.fsm().Rollouts(nil)
	}
	if err != nil {
		return err
	}

	var out []*structs.Rollout
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		rollout := raw.(*structs.Rollout)
		if args.Project != "" && rollout.ProjectID != args.Project {
			continue
		}
		out = append(out, rollout)
	}

	reply.Rollouts = out
	return r.setQueryMeta(&reply.QueryMeta)
}

// Pause pauses a running rollout. In-flight work is not interrupted; the
// next tick observes the paused state and stops advancing.
func (r *Rollout) Pause(args *structs.RolloutPauseRequest, reply *structs.RolloutUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "pause"}, time.Now())

	index := r.srv.nextIndex()
	if err := r.srv.fsm().PauseRollout(index, args.RolloutID, nil); err != nil {
		return err
	}
	return r.replyRollout(args.RolloutID, index, reply)
}

// Resume resumes a paused rollout and restarts its tick chain.
func (r *Rollout) Resume(args *structs.RolloutResumeRequest, reply *structs.RolloutUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "resume"}, time.Now())

	index := r.srv.nextIndex()
	if err := r.srv.fsm().ResumeRollout(index, args.RolloutID); err != nil {
		return err
	}
	if err := r.srv.enqueueTick(args.RolloutID, 0); err != nil {
		return err
	}
	return r.replyRollout(args.RolloutID, index, reply)
}

// Cancel terminally cancels a running or paused rollout. Bundles already
// activated stay in place.
func (r *Rollout) Cancel(args *structs.RolloutCancelRequest, reply *structs.RolloutUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "cancel"}, time.Now())

	index := r.srv.nextIndex()
	if err := r.srv.fsm().CancelRollout(index, args.RolloutID, false, structs.TimestampNow()); err != nil {
		return err
	}
	return r.replyRollout(args.RolloutID, index, reply)
}

// Rollback cancels a rollout and reverts the staged bundle assignments it
// made, so nodes that have not activated yet never pick the bundle up.
func (r *Rollout) Rollback(args *structs.RolloutRollbackRequest, reply *structs.RolloutUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "rollback"}, time.Now())

	index := r.srv.nextIndex()
	if err := r.srv.fsm().CancelRollout(index, args.RolloutID, true, structs.TimestampNow()); err != nil {
		return err
	}
	return r.replyRollout(args.RolloutID, index, reply)
}

// Approve records the calling user's approval. Reaching the quorum releases
// the rollout: it is planned immediately unless a schedule still holds it.
func (r *Rollout) Approve(args *structs.RolloutApproveRequest, reply *structs.RolloutUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "approve"}, time.Now())

	if err := r.requireOperator(args.AuthToken); err != nil {
		return err
	}

	rollout, err := r.srv.fsm().RolloutByID(nil, args.RolloutID)
	if err != nil {
		return err
	}
	if rollout == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownRollout, args.RolloutID)
	}

	approvalsNeeded, err := r.approvalsNeeded(rollout.ProjectID)
	if err != nil {
		return err
	}

	approval := &structs.RolloutApproval{
		RolloutID:  args.RolloutID,
		UserID:     args.AuthToken,
		Comment:    args.Comment,
		CreateTime: structs.TimestampNow(),
	}

	index := r.srv.nextIndex()
	updated, err := r.srv.fsm().UpsertRolloutApproval(index, approval, approvalsNeeded)
	if err != nil {
		return err
	}

	if updated.ApprovalState == structs.RolloutApprovalApproved &&
		updated.State == structs.RolloutStatePending &&
		(updated.ScheduledAt == nil || !updated.ScheduledAt.After(structs.TimestampNow())) {
		if err := r.srv.planRollout(updated); err != nil && !structs.IsErrInvalidState(err) {
			return err
		}
	}

	return r.replyRollout(args.RolloutID, index, reply)
}

// Reject records the calling user's rejection with its mandatory comment and
// terminally cancels the rollout.
func (r *Rollout) Reject(args *structs.RolloutRejectRequest, reply *structs.RolloutUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "reject"}, time.Now())

	if err := r.requireOperator(args.AuthToken); err != nil {
		return err
	}
	if args.Comment == "" {
		return fmt.Errorf("%w: rejection requires a comment", structs.ErrCommentRequired)
	}

	approval := &structs.RolloutApproval{
		RolloutID:  args.RolloutID,
		UserID:     args.AuthToken,
		Comment:    args.Comment,
		CreateTime: structs.TimestampNow(),
	}

	index := r.srv.nextIndex()
	if _, err := r.srv.fsm().RejectRollout(index, approval, structs.TimestampNow()); err != nil {
		return err
	}
	return r.replyRollout(args.RolloutID, index, reply)
}

// approvalsNeeded returns the approval quorum of a project, falling back to
// the server default when the project has no row.
func (r *Rollout) approvalsNeeded(projectID string) (int, error) {
	project, err := r.srv.fsm().ProjectByID(nil, projectID)
	if err != nil {
		return 0, err
	}
	if project == nil {
		return r.srv.config.ApprovalsNeededDefault, nil
	}
	return project.ApprovalsNeeded, nil
}

// requireOperator verifies the calling user exists and carries the operator
// role.
func (r *Rollout) requireOperator(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: request carries no auth token", structs.ErrNotAuthorized)
	}
	user, err := r.srv.fsm().UserByID(nil, userID)
	if err != nil {
		return err
	}
	if !user.HasRole(structs.RoleOperator) {
		return fmt.Errorf("%w: user %q lacks the %s role", structs.ErrNotAuthorized,
			userID, structs.RoleOperator)
	}
	return nil
}

func (r *Rollout) replyRollout(rolloutID string, index uint64, reply *structs.RolloutUpdateResponse) error {
	rollout, err := r.srv.fsm().RolloutByID(nil, rolloutID)
	if err != nil {
		return err
	}
	reply.Rollout = rollout
	reply.Index = index
	return nil
}

func (r *Rollout) setQueryMeta(meta *structs.QueryMeta) error {
	index, err := r.srv.fsm().Index(state.TableRollouts)
	if err != nil {
		return err
	}
	meta.Index = index
	return nil
}
