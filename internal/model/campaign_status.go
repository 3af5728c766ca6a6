// internal/model/campaign_status.go
package model

import (
	"strings"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusSending   CampaignStatus = "sending"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusCanceled  CampaignStatus = "canceled"
	StatusFailed    CampaignStatus = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []CampaignStatus{
	StatusDraft,
	StatusScheduled,
	StatusSending,
	StatusPaused,
	StatusCompleted,
	StatusCanceled,
	StatusFailed,
}

// ParseCampaignStatus accepts a status label in any case.
func ParseCampaignStatus(s string) (CampaignStatus, bool) {
	status := CampaignStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if status == known {
			return status, true
		}
	}
	return "", false
}

// Terminal reports whether no operation is legal from s.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// Operation is a state-changing command applied to a campaign.
type Operation string

const (
	OpCreate   Operation = "create"
	OpUpdate   Operation = "update"
	OpSchedule Operation = "schedule"
	OpStart    Operation = "start"
	OpPause    Operation = "pause"
	OpCancel   Operation = "cancel"
	OpComplete Operation = "complete"
	OpFail     Operation = "fail"
)

// AllOperations lists every operation.
var AllOperations = []Operation{
	OpCreate,
	OpUpdate,
	OpSchedule,
	OpStart,
	OpPause,
	OpCancel,
	OpComplete,
	OpFail,
}

// Transition returns the status reached by applying op from status from.
// The empty status stands for a campaign that does not exist yet.
func Transition(from CampaignStatus, op Operation) (CampaignStatus, error) {
	switch op {
	case OpCreate:
		if from == "" {
			return StatusDraft, nil
		}
	case OpUpdate:
		if from == StatusDraft {
			return StatusDraft, nil
		}
	case OpSchedule:
		if from == StatusDraft {
			return StatusScheduled, nil
		}
	case OpStart:
		switch from {
		case StatusDraft, StatusScheduled, StatusPaused:
			return StatusSending, nil
		}
	case OpPause:
		if from == StatusSending {
			return StatusPaused, nil
		}
	case OpCancel:
		switch from {
		case StatusDraft, StatusScheduled, StatusSending, StatusPaused:
			return StatusCanceled, nil
		}
	case OpComplete:
		if from == StatusSending {
			return StatusCompleted, nil
		}
	case OpFail:
		if from == StatusSending {
			return StatusFailed, nil
		}
	}
	return from, appErrors.NewInvalidTransition(string(from), string(op))
}
