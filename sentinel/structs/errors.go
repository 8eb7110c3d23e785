// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"strings"
)

// Error reasons surfaced to API callers. The reason strings are stable: they
// are persisted inside StateError values and matched by clients, so they
// survive RPC boundaries where error identity is lost.
const (
	errBundleNotCompiled      = "bundle_not_compiled"
	errNoTargetNodes          = "no_target_nodes"
	errInvalidState           = "invalid_state"
	errNotAuthorized          = "not_authorized"
	errSelfApproval           = "self_approval"
	errAlreadyApproved        = "already_approved"
	errCommentRequired        = "comment_required"
	errBundleRevoked          = "bundle_revoked"
	errMaxUnavailableExceeded = "max_unavailable_exceeded"
	errDeadlineExceeded       = "deadline_exceeded"
	errStepDeadlineExceeded   = "step_deadline_exceeded"

	errUnknownRollout = "unknown rollout"
	errUnknownBundle  = "unknown bundle"
	errUnknownNode    = "unknown node"
	errUnknownProject = "unknown project"
	errUnknownDrift   = "unknown drift event"
	errUnknownUser    = "unknown user"
)

var (
	ErrBundleNotCompiled      = errors.New(errBundleNotCompiled)
	ErrNoTargetNodes          = errors.New(errNoTargetNodes)
	ErrInvalidState           = errors.New(errInvalidState)
	ErrNotAuthorized          = errors.New(errNotAuthorized)
	ErrSelfApproval           = errors.New(errSelfApproval)
	ErrAlreadyApproved        = errors.New(errAlreadyApproved)
	ErrCommentRequired        = errors.New(errCommentRequired)
	ErrBundleRevoked          = errors.New(errBundleRevoked)
	ErrMaxUnavailableExceeded = errors.New(errMaxUnavailableExceeded)
	ErrDeadlineExceeded       = errors.New(errDeadlineExceeded)
	ErrStepDeadlineExceeded   = errors.New(errStepDeadlineExceeded)

	ErrUnknownRollout = errors.New(errUnknownRollout)
	ErrUnknownBundle  = errors.New(errUnknownBundle)
	ErrUnknownNode    = errors.New(errUnknownNode)
	ErrUnknownProject = errors.New(errUnknownProject)
	ErrUnknownDrift   = errors.New(errUnknownDrift)
	ErrUnknownUser    = errors.New(errUnknownUser)
)

// IsErrInvalidState returns whether the error is due to a guarded state
// transition observing an unexpected current state.
func IsErrInvalidState(err error) bool {
	return err != nil && strings.Contains(err.Error(), errInvalidState)
}

// IsErrBundleNotCompiled returns whether the error is due to the target
// bundle not being in the compiled status.
func IsErrBundleNotCompiled(err error) bool {
	return err != nil && strings.Contains(err.Error(), errBundleNotCompiled)
}

// IsErrNoTargetNodes returns whether the error is due to a target selector
// resolving to zero nodes.
func IsErrNoTargetNodes(err error) bool {
	return err != nil && strings.Contains(err.Error(), errNoTargetNodes)
}

// IsErrNotAuthorized returns whether the error is an authorization failure.
func IsErrNotAuthorized(err error) bool {
	return err != nil && strings.Contains(err.Error(), errNotAuthorized)
}

// IsErrSelfApproval returns whether the error is due to a user approving
// their own rollout.
func IsErrSelfApproval(err error) bool {
	return err != nil && strings.Contains(err.Error(), errSelfApproval)
}

// IsErrAlreadyApproved returns whether the error is due to a duplicate
// approval by the same user.
func IsErrAlreadyApproved(err error) bool {
	return err != nil && strings.Contains(err.Error(), errAlreadyApproved)
}

// IsErrCommentRequired returns whether the error is due to a rejection
// missing its comment.
func IsErrCommentRequired(err error) bool {
	return err != nil && strings.Contains(err.Error(), errCommentRequired)
}

// IsErrBundleRevoked returns whether the error is due to the bundle leaving
// the compiled status after rollout creation.
func IsErrBundleRevoked(err error) bool {
	return err != nil && strings.Contains(err.Error(), errBundleRevoked)
}

// IsErrUnknownRollout returns whether the error is due to an unknown rollout.
func IsErrUnknownRollout(err error) bool {
	return err != nil && strings.Contains(err.Error(), errUnknownRollout)
}

// IsErrUnknownBundle returns whether the error is due to an unknown bundle.
func IsErrUnknownBundle(err error) bool {
	return err != nil && strings.Contains(err.Error(), errUnknownBundle)
}

// IsErrUnknownNode returns whether the error is due to an unknown node.
func IsErrUnknownNode(err error) bool {
	return err != nil && strings.Contains(err.Error(), errUnknownNode)
}

// IsErrUnknownProject returns whether the error is due to an unknown project.
func IsErrUnknownProject(err error) bool {
	return err != nil && strings.Contains(err.Error(), errUnknownProject)
}

// IsErrNotFound returns whether the error names an entity that does not
// exist, regardless of kind.
func IsErrNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unknown ")
}
