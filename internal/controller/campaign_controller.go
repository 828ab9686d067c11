// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/handler"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
)

// CampaignController exposes the lifecycle commands over HTTP.
type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *zap.Logger
}

func NewCampaignController(svc *service.CampaignService, log *zap.Logger) *CampaignController {
	if log == nil {
		log = zap.NewNop()
	}
	return &CampaignController{CampaignService: svc, Log: log}
}

// Mount registers the command routes.
func (c *CampaignController) Mount(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Post("/campaigns/{id}/start", c.lifecycle("start", c.CampaignService.Start))
	r.Post("/campaigns/{id}/pause", c.lifecycle("pause", c.CampaignService.Pause))
	r.Post("/campaigns/{id}/resume", c.lifecycle("resume", c.CampaignService.Resume))
	r.Post("/campaigns/{id}/stop", c.lifecycle("stop", c.CampaignService.Stop))
	r.Post("/campaigns/{id}/fail", c.FailCampaign)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.NewCampaign
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		handler.WriteError(w, http.StatusBadRequest, "invalid body")
		return
	}

	snap, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		c.fail(w, "create", 0, err)
		return
	}
	respond(w, http.StatusCreated, snap)
}

// lifecycle adapts a bodyless controller operation to a handler.
func (c *CampaignController) lifecycle(op string, fn func(context.Context, int) (*model.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil || id <= 0 {
			handler.WriteError(w, http.StatusBadRequest, "invalid campaign id")
			return
		}

		snap, err := fn(r.Context(), id)
		if err != nil {
			c.fail(w, op, id, err)
			return
		}
		respond(w, http.StatusOK, snap)
	}
}

func (c *CampaignController) FailCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// the body is optional
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		handler.WriteError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Reason == "" {
		body.Reason = "aborted by operator"
	}

	c.lifecycle("fail", func(ctx context.Context, id int) (*model.Snapshot, error) {
		return c.CampaignService.Fail(ctx, id, body.Reason)
	})(w, r)
}

func (c *CampaignController) fail(w http.ResponseWriter, op string, id int, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		c.Log.Error("campaign command failed", zap.String("op", op), zap.Int("campaign_id", id), zap.Error(err))
	}
	handler.WriteError(w, status, err.Error())
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
