package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/masgolf/campaign-gateway/internal/dispatch"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/repository"
)

type MockCampaignRepository struct {
	mock.Mock
}

func (m *MockCampaignRepository) Create(ctx context.Context, msg *model.CampaignMessage) (*model.CampaignMessage, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CampaignMessage), args.Error(1)
}

func (m *MockCampaignRepository) Get(ctx context.Context, id int64) (*model.CampaignMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CampaignMessage), args.Error(1)
}

func (m *MockCampaignRepository) List(ctx context.Context, f model.CampaignFilter) ([]*model.CampaignMessage, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.CampaignMessage), args.Get(1).(int64), args.Error(2)
}

type MockDeliveryLogRepository struct {
	mock.Mock
}

func (m *MockDeliveryLogRepository) ListByMessage(ctx context.Context, messageID int64) ([]*model.DeliveryLog, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.DeliveryLog), args.Error(1)
}

type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) Plan(ctx context.Context, messageID int64) (*dispatch.RunReport, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.RunReport), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	args := m.Called(ctx, data, metadata)
	return args.String(0), args.Error(1)
}

func newService(campaigns *MockCampaignRepository, logs *MockDeliveryLogRepository, planner *MockPlanner, publisher *MockPublisher) *CampaignService {
	if campaigns == nil {
		campaigns = new(MockCampaignRepository)
	}
	if logs == nil {
		logs = new(MockDeliveryLogRepository)
	}
	if planner == nil {
		planner = new(MockPlanner)
	}
	if publisher == nil {
		publisher = new(MockPublisher)
	}
	return NewCampaignService(campaigns, logs, planner, publisher)
}

func TestCreateNormalizesRecipients(t *testing.T) {
	campaigns := new(MockCampaignRepository)
	campaigns.On("Create", mock.Anything, mock.MatchedBy(func(m *model.CampaignMessage) bool {
		return len(m.Recipients) == 2 &&
			m.Recipients[0] == "01012345678" &&
			m.Recipients[1] == "01087654321" &&
			m.Status == model.StatusDraft
	})).Return(&model.CampaignMessage{ID: 1}, nil)

	svc := newService(campaigns, nil, nil, nil)
	created, err := svc.Create(context.Background(), model.CampaignCreateRequest{
		Text:       "hello",
		Type:       model.MessageTypeSMS,
		Recipients: []string{"010-1234-5678", "010 8765 4321"},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), created.ID)
	campaigns.AssertExpectations(t)
}

func TestCreateRejectsBadRecipient(t *testing.T) {
	campaigns := new(MockCampaignRepository)

	svc := newService(campaigns, nil, nil, nil)
	_, err := svc.Create(context.Background(), model.CampaignCreateRequest{
		Text:       "hello",
		Type:       model.MessageTypeSMS,
		Recipients: []string{"010-1234-5678", "not-a-phone"},
	})

	require.Error(t, err)
	campaigns.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCreateRejectsOverlongText(t *testing.T) {
	campaigns := new(MockCampaignRepository)

	long := make([]rune, 91)
	for i := range long {
		long[i] = 'a'
	}

	svc := newService(campaigns, nil, nil, nil)
	_, err := svc.Create(context.Background(), model.CampaignCreateRequest{
		Text:       string(long),
		Type:       model.MessageTypeSMS,
		Recipients: []string{"010-1234-5678"},
	})

	var validationErr *model.ValidationError
	require.ErrorAs(t, err, &validationErr)
	campaigns.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCreateClassifiesMedia(t *testing.T) {
	campaigns := new(MockCampaignRepository)
	campaigns.On("Create", mock.Anything, mock.MatchedBy(func(m *model.CampaignMessage) bool {
		return m.Media.Kind == model.MediaURL
	})).Return(&model.CampaignMessage{ID: 2}, nil)

	svc := newService(campaigns, nil, nil, nil)
	_, err := svc.Create(context.Background(), model.CampaignCreateRequest{
		Text:       "promo",
		Type:       model.MessageTypeMMS,
		MediaRef:   "https://cdn.example.com/promo.jpg",
		Recipients: []string{"010-1234-5678"},
	})

	require.NoError(t, err)
	campaigns.AssertExpectations(t)
}

func TestGetMapsNotFound(t *testing.T) {
	campaigns := new(MockCampaignRepository)
	campaigns.On("Get", mock.Anything, int64(42)).Return(nil, repository.ErrNotFound)

	svc := newService(campaigns, nil, nil, nil)
	_, err := svc.Get(context.Background(), 42)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatchDryRunDoesNotEnqueue(t *testing.T) {
	planner := new(MockPlanner)
	planner.On("Plan", mock.Anything, int64(1)).Return(&dispatch.RunReport{
		MessageID: 1,
		Chunks:    3,
		DryRun:    true,
	}, nil)
	publisher := new(MockPublisher)

	svc := newService(nil, nil, planner, publisher)
	report, err := svc.Dispatch(context.Background(), 1, true)

	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 3, report.Chunks)
	publisher.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchEnqueuesJob(t *testing.T) {
	planner := new(MockPlanner)
	planner.On("Plan", mock.Anything, int64(1)).Return(&dispatch.RunReport{
		MessageID: 1,
		Chunks:    2,
		DryRun:    true,
	}, nil)
	publisher := new(MockPublisher)
	publisher.On("PublishJSON", mock.Anything, dispatch.Job{MessageID: 1}, mock.Anything).Return("stream-1", nil)

	svc := newService(nil, nil, planner, publisher)
	report, err := svc.Dispatch(context.Background(), 1, false)

	require.NoError(t, err)
	assert.False(t, report.DryRun)
	publisher.AssertExpectations(t)
}

func TestDispatchValidationFailureSkipsQueue(t *testing.T) {
	planner := new(MockPlanner)
	planner.On("Plan", mock.Anything, int64(1)).Return(nil, &model.ValidationError{Reason: "message text is empty"})
	publisher := new(MockPublisher)

	svc := newService(nil, nil, planner, publisher)
	_, err := svc.Dispatch(context.Background(), 1, false)

	var validationErr *model.ValidationError
	require.ErrorAs(t, err, &validationErr)
	publisher.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeliveryLogsRequiresExistingMessage(t *testing.T) {
	campaigns := new(MockCampaignRepository)
	campaigns.On("Get", mock.Anything, int64(9)).Return(nil, repository.ErrNotFound)
	logs := new(MockDeliveryLogRepository)

	svc := newService(campaigns, logs, nil, nil)
	_, err := svc.DeliveryLogs(context.Background(), 9)

	assert.ErrorIs(t, err, ErrNotFound)
	logs.AssertNotCalled(t, "ListByMessage", mock.Anything, mock.Anything)
}
