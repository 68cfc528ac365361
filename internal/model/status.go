package model

// CampaignStatus is the lifecycle state of a campaign message.
//
// draft -> dispatching -> {sent, partial, failed}. Terminal states never
// regress; a re-dispatch of a terminal message may append group ids but
// keeps the status. Both the live dispatch path and the repair tooling go
// through CanTransition, so they cannot disagree on legality.
type CampaignStatus string

const (
	StatusDraft       CampaignStatus = "draft"
	StatusDispatching CampaignStatus = "dispatching"
	StatusSent        CampaignStatus = "sent"
	StatusPartial     CampaignStatus = "partial"
	StatusFailed      CampaignStatus = "failed"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusDispatching, StatusSent, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// CanTransition is the single legality check for status changes.
func CanTransition(from, to CampaignStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusDraft:
		// draft -> sent covers out-of-band group-id repair where the
		// dispatch itself happened outside this system.
		return to == StatusDispatching || to == StatusSent || to == StatusFailed
	case StatusDispatching:
		return to == StatusSent || to == StatusPartial || to == StatusFailed
	default:
		return false
	}
}

// DeriveStatus computes the terminal status from aggregate counters once a
// dispatch run has covered every recipient.
func DeriveStatus(recipients, success, fail int) CampaignStatus {
	switch {
	case success == 0:
		return StatusFailed
	case success == recipients && fail == 0:
		return StatusSent
	default:
		return StatusPartial
	}
}
