package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/masgolf/campaign-gateway/internal/dispatch"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/services"
	xhttp "github.com/masgolf/campaign-gateway/pkg/http"
)

type MockCampaignService struct {
	mock.Mock
}

func (m *MockCampaignService) Create(ctx context.Context, req model.CampaignCreateRequest) (*model.CampaignMessage, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CampaignMessage), args.Error(1)
}

func (m *MockCampaignService) Get(ctx context.Context, id int64) (*model.CampaignMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CampaignMessage), args.Error(1)
}

func (m *MockCampaignService) List(ctx context.Context, f model.CampaignFilter) ([]*model.CampaignMessage, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.CampaignMessage), args.Get(1).(int64), args.Error(2)
}

func (m *MockCampaignService) DeliveryLogs(ctx context.Context, messageID int64) ([]*model.DeliveryLog, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.DeliveryLog), args.Error(1)
}

func (m *MockCampaignService) Dispatch(ctx context.Context, messageID int64, dryRun bool) (*dispatch.RunReport, error) {
	args := m.Called(ctx, messageID, dryRun)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.RunReport), args.Error(1)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func TestCampaignHandler_CreateCampaign(t *testing.T) {
	t.Run("successful draft creation", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		reqBody := model.CampaignCreateRequest{
			Text:       "weekend deal",
			Type:       model.MessageTypeSMS,
			Recipients: []string{"01012345678"},
		}
		bodyBytes, _ := json.Marshal(reqBody)

		expected := &model.CampaignMessage{
			ID:         123,
			Text:       "weekend deal",
			Type:       model.MessageTypeSMS,
			Status:     model.StatusDraft,
			Recipients: []string{"01012345678"},
		}

		svc.On("Create", mock.Anything, mock.MatchedBy(func(req model.CampaignCreateRequest) bool {
			return req.Text == "weekend deal" && req.Type == model.MessageTypeSMS
		})).Return(expected, nil)

		ctx := setupTestContext("POST", "/campaigns", bodyBytes)
		handler.CreateCampaign(ctx)

		assert.Equal(t, 201, ctx.Response.StatusCode())
		var got model.CampaignMessage
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &got))
		assert.Equal(t, int64(123), got.ID)
		svc.AssertExpectations(t)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		ctx := setupTestContext("POST", "/campaigns", []byte("{not json"))
		handler.CreateCampaign(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
		svc.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("validation failure", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		svc.On("Create", mock.Anything, mock.Anything).
			Return(nil, &model.ValidationError{Reason: "message text is empty"})

		body, _ := json.Marshal(model.CampaignCreateRequest{Type: model.MessageTypeSMS})
		ctx := setupTestContext("POST", "/campaigns", body)
		handler.CreateCampaign(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
		assert.Contains(t, string(ctx.Response.Body()), "message text is empty")
	})
}

func TestCampaignHandler_GetCampaign(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		svc.On("Get", mock.Anything, int64(7)).Return(&model.CampaignMessage{ID: 7}, nil)

		ctx := setupTestContext("GET", "/campaigns/7", nil)
		ctx.SetUserValue("id", "7")
		handler.GetCampaign(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		svc.On("Get", mock.Anything, int64(8)).Return(nil, services.ErrNotFound)

		ctx := setupTestContext("GET", "/campaigns/8", nil)
		ctx.SetUserValue("id", "8")
		handler.GetCampaign(ctx)

		assert.Equal(t, 404, ctx.Response.StatusCode())
	})

	t.Run("bad id", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		ctx := setupTestContext("GET", "/campaigns/abc", nil)
		ctx.SetUserValue("id", "abc")
		handler.GetCampaign(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
		svc.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})
}

func TestCampaignHandler_ListCampaigns(t *testing.T) {
	svc := new(MockCampaignService)
	handler := NewCampaignHandler(svc)

	svc.On("List", mock.Anything, mock.MatchedBy(func(f model.CampaignFilter) bool {
		return len(f.Statuses) == 2 &&
			f.Statuses[0] == model.StatusSent &&
			f.Statuses[1] == model.StatusPartial &&
			f.Limit == 10 &&
			f.Desc
	})).Return([]*model.CampaignMessage{{ID: 1}, {ID: 2}}, int64(2), nil)

	ctx := setupTestContext("GET", "/campaigns?status=sent,partial&limit=10&order=desc", nil)
	handler.ListCampaigns(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())
	var resp listCampaignsResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Len(t, resp.Items, 2)
	assert.Equal(t, int64(2), resp.Total)
	svc.AssertExpectations(t)
}

func TestCampaignHandler_ListDeliveryLogs(t *testing.T) {
	svc := new(MockCampaignService)
	handler := NewCampaignHandler(svc)

	now := time.Now()
	svc.On("DeliveryLogs", mock.Anything, int64(3)).Return([]*model.DeliveryLog{
		{MessageID: 3, Phone: "01012345678", Status: model.DeliverySent, SentAt: now},
	}, nil)

	ctx := setupTestContext("GET", "/campaigns/3/delivery-logs", nil)
	ctx.SetUserValue("id", "3")
	handler.ListDeliveryLogs(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())
	var resp deliveryLogsResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "01012345678", resp.Items[0].Phone)
}

func TestCampaignHandler_DispatchCampaign(t *testing.T) {
	t.Run("enqueued", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		svc.On("Dispatch", mock.Anything, int64(5), false).Return(&dispatch.RunReport{
			MessageID: 5,
			Chunks:    2,
		}, nil)

		ctx := setupTestContext("POST", "/campaigns/5/dispatch", nil)
		ctx.SetUserValue("id", "5")
		handler.DispatchCampaign(ctx)

		assert.Equal(t, 202, ctx.Response.StatusCode())
	})

	t.Run("dry run", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		svc.On("Dispatch", mock.Anything, int64(5), true).Return(&dispatch.RunReport{
			MessageID: 5,
			Chunks:    3,
			DryRun:    true,
		}, nil)

		body, _ := json.Marshal(dispatchRequest{DryRun: true})
		ctx := setupTestContext("POST", "/campaigns/5/dispatch", body)
		ctx.SetUserValue("id", "5")
		handler.DispatchCampaign(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		var report dispatch.RunReport
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &report))
		assert.Equal(t, 3, report.Chunks)
		assert.True(t, report.DryRun)
	})

	t.Run("validation error maps to 422", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		svc.On("Dispatch", mock.Anything, int64(5), false).
			Return(nil, &model.ValidationError{Reason: "text exceeds 90 characters for SMS"})

		ctx := setupTestContext("POST", "/campaigns/5/dispatch", nil)
		ctx.SetUserValue("id", "5")
		handler.DispatchCampaign(ctx)

		assert.Equal(t, 422, ctx.Response.StatusCode())
	})

	t.Run("unknown message maps to 404", func(t *testing.T) {
		svc := new(MockCampaignService)
		handler := NewCampaignHandler(svc)

		svc.On("Dispatch", mock.Anything, int64(99), false).Return(nil, services.ErrNotFound)

		ctx := setupTestContext("POST", "/campaigns/99/dispatch", nil)
		ctx.SetUserValue("id", "99")
		handler.DispatchCampaign(ctx)

		assert.Equal(t, 404, ctx.Response.StatusCode())
	})
}
