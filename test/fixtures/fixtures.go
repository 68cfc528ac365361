package fixtures

import (
	"fmt"
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
)

func NewTestCampaign(text string, msgType model.MessageType, recipients []string) *model.CampaignMessage {
	return &model.CampaignMessage{
		Text:       text,
		Type:       msgType,
		Recipients: recipients,
		Status:     model.StatusDraft,
		CreatedAt:  time.Now(),
	}
}

func NewTestCreateRequest(text string, msgType model.MessageType, recipients []string) model.CampaignCreateRequest {
	return model.CampaignCreateRequest{
		Text:       text,
		Type:       msgType,
		Recipients: recipients,
	}
}

// Recipients returns n distinct normalized phone numbers.
func Recipients(n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = fmt.Sprintf("010%08d", i+1)
	}
	return out
}

var (
	ValidRecipients = []string{
		"01012345678",
		"010-1234-5679",
		"+82 10 1234 5680",
		"010 1234 5681",
	}

	InvalidRecipients = []string{
		"",
		"123",
		"not-a-number",
		"010@1234",
	}
)

func CampaignWithID(id int64) *model.CampaignMessage {
	msg := NewTestCampaign("fixture campaign", model.MessageTypeSMS, Recipients(3))
	msg.ID = id
	return msg
}

func CreateRequestSMS() model.CampaignCreateRequest {
	return NewTestCreateRequest("spring sale starts monday", model.MessageTypeSMS, Recipients(5))
}

func CreateRequestLMS() model.CampaignCreateRequest {
	req := NewTestCreateRequest("longer announcement body with full detail about the spring campaign and opening hours", model.MessageTypeLMS, Recipients(5))
	return req
}

func CreateRequestMMS(mediaRef string) model.CampaignCreateRequest {
	req := NewTestCreateRequest("see the attached flyer", model.MessageTypeMMS, Recipients(5))
	req.MediaRef = mediaRef
	return req
}

func CreateRequestInvalidRecipient() model.CampaignCreateRequest {
	return NewTestCreateRequest("test", model.MessageTypeSMS, []string{"not-a-number"})
}

func CreateRequestEmptyText() model.CampaignCreateRequest {
	return NewTestCreateRequest("", model.MessageTypeSMS, Recipients(2))
}

func FilterByStatus(statuses ...model.CampaignStatus) model.CampaignFilter {
	return model.CampaignFilter{
		Statuses: statuses,
		Limit:    50,
		Offset:   0,
	}
}

func FilterWithPagination(limit, offset int) model.CampaignFilter {
	return model.CampaignFilter{
		Limit:  limit,
		Offset: offset,
	}
}

func FilterByTimeRange(from, to time.Time) model.CampaignFilter {
	return model.CampaignFilter{
		From:  &from,
		To:    &to,
		Limit: 50,
	}
}
