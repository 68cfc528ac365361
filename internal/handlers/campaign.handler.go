package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"

	"github.com/masgolf/campaign-gateway/internal/dispatch"
	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/services"
	xhttp "github.com/masgolf/campaign-gateway/pkg/http"
)

type CampaignService interface {
	Create(ctx context.Context, req model.CampaignCreateRequest) (*model.CampaignMessage, error)
	Get(ctx context.Context, id int64) (*model.CampaignMessage, error)
	List(ctx context.Context, f model.CampaignFilter) ([]*model.CampaignMessage, int64, error)
	DeliveryLogs(ctx context.Context, messageID int64) ([]*model.DeliveryLog, error)
	Dispatch(ctx context.Context, messageID int64, dryRun bool) (*dispatch.RunReport, error)
}

type CampaignHandler struct {
	svc CampaignService
}

func RegisterCampaignRoutes(e *router.Group, h *CampaignHandler) {
	e.POST("/campaigns", h.CreateCampaign)
	e.GET("/campaigns", h.ListCampaigns)
	e.GET("/campaigns/{id}", h.GetCampaign)
	e.GET("/campaigns/{id}/delivery-logs", h.ListDeliveryLogs)
	e.POST("/campaigns/{id}/dispatch", h.DispatchCampaign)
}

func NewCampaignHandler(campaignService CampaignService) *CampaignHandler {
	return &CampaignHandler{
		svc: campaignService,
	}
}

type listCampaignsResponse struct {
	Items []*model.CampaignMessage `json:"items"`
	Total int64                    `json:"total"`
}

type deliveryLogsResponse struct {
	Items []*model.DeliveryLog `json:"items"`
}

type dispatchRequest struct {
	DryRun bool `json:"dry_run"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *CampaignHandler) CreateCampaign(ctx *xhttp.RequestCtx) {
	var req model.CampaignCreateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	msg, err := h.svc.Create(ctx, req)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 201, msg)
}

func (h *CampaignHandler) GetCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}
	msg, err := h.svc.Get(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, msg)
}

func (h *CampaignHandler) ListCampaigns(ctx *xhttp.RequestCtx) {
	var f model.CampaignFilter

	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.CampaignStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listCampaignsResponse{Items: items, Total: total})
}

func (h *CampaignHandler) ListDeliveryLogs(ctx *xhttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}
	items, err := h.svc.DeliveryLogs(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, deliveryLogsResponse{Items: items})
}

func (h *CampaignHandler) DispatchCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}

	var req dispatchRequest
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(ctx, 400, "invalid JSON: "+err.Error())
			return
		}
	}

	report, err := h.svc.Dispatch(ctx, id, req.DryRun)
	if err != nil {
		var validationErr *model.ValidationError
		switch {
		case errors.Is(err, services.ErrNotFound):
			writeError(ctx, 404, err.Error())
		case errors.As(err, &validationErr):
			writeError(ctx, 422, err.Error())
		default:
			writeError(ctx, 500, err.Error())
		}
		return
	}

	status := 202
	if report.DryRun {
		status = 200
	}
	writeJSON(ctx, status, report)
}

/* --------------------------------- Helpers ----------------------------------- */

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathID(ctx *xhttp.RequestCtx) (int64, error) {
	v, _ := ctx.UserValue("id").(string)
	return strconv.ParseInt(v, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
