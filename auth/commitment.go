// Package auth validates signed request commitments against the chain view.
// Commitments are canonical strings binding a purpose to a timestamp and the
// signer's keys; the validation pipeline runs in a fixed order regardless of
// input so request content cannot steer the work performed.
package auth

import (
	"fmt"

	"github.com/resi-labs-ai/resi-labs-api/chain"
)

// Role tags the class of peer a commitment authenticates.
type Role int

const (
	// RoleMiner uploads data scoped to its own hotkey prefix.
	RoleMiner Role = iota
	// RoleValidator reads globally and writes validation results.
	RoleValidator
)

func (r Role) String() string {
	if r == RoleValidator {
		return "validator"
	}
	return "miner"
}

// Purpose is the closed set of commitment templates the broker accepts.
type Purpose int

const (
	// PurposeMinerAccess covers miner upload credential requests.
	PurposeMinerAccess Purpose = iota
	// PurposeValidatorAccess covers validator read credential requests.
	PurposeValidatorAccess
	// PurposeValidatorUpload covers validator result upload requests.
	PurposeValidatorUpload
	// PurposeCurrentAssignment covers miner assignment reads.
	PurposeCurrentAssignment
	// PurposeHistoricalAssignment covers validator reads of past epochs.
	PurposeHistoricalAssignment
)

// Role returns the peer class a purpose belongs to.
func (p Purpose) Role() Role {
	switch p {
	case PurposeMinerAccess, PurposeCurrentAssignment:
		return RoleMiner
	default:
		return RoleValidator
	}
}

// Request carries the authentication fields of an incoming call.
type Request struct {
	Purpose   Purpose
	Hotkey    chain.KeyID
	Coldkey   chain.KeyID
	EpochID   string
	Timestamp int64
	Signature string
}

// Commitment renders the canonical string the peer must have signed.
func (r *Request) Commitment() string {
	switch r.Purpose {
	case PurposeMinerAccess:
		return fmt.Sprintf("s3:data:access:%s:%s:%d", r.Coldkey, r.Hotkey, r.Timestamp)
	case PurposeValidatorAccess:
		return fmt.Sprintf("s3:validator:access:%d", r.Timestamp)
	case PurposeValidatorUpload:
		return fmt.Sprintf("s3:validator:upload:%d", r.Timestamp)
	case PurposeCurrentAssignment:
		return fmt.Sprintf("zipcode:assignment:current:%d", r.Timestamp)
	case PurposeHistoricalAssignment:
		return fmt.Sprintf("zipcode:validation:%s:%d", r.EpochID, r.Timestamp)
	default:
		return ""
	}
}

// Context is the authenticated identity handed to handlers.
type Context struct {
	Role    Role
	Hotkey  chain.KeyID
	Coldkey chain.KeyID
	Info    chain.Info
}
