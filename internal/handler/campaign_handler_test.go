package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/campaign-dispatcher/internal/handler"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
)

func TestListCampaignsPagination(t *testing.T) {
	// --- Seed campaigns, every third one running ---
	totalCampaigns := 25
	store := repository.NewMemoryStore()
	ctx := context.Background()
	running := 0
	for i := 1; i <= totalCampaigns; i++ {
		c := &model.Campaign{Name: "Campaign " + strconv.Itoa(i), TemplateRef: "t", TotalRecipients: 1}
		if err := store.Campaigns().Create(ctx, c); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if i%3 == 0 {
			store.Campaigns().SetStatus(ctx, c.ID, model.CampaignRunning)
			running++
		}
	}

	svc := &service.CampaignService{CampaignRepo: store.Campaigns()}
	h := handler.NewCampaignHandler(svc, nil)
	r := chi.NewRouter()
	h.Mount(r)

	for _, tc := range []struct {
		status string
		total  int
	}{{"", totalCampaigns}, {"running", running}} {
		pageSize := 10
		seen := map[int]bool{}
		totalPages := (tc.total + pageSize - 1) / pageSize

		for page := 1; page <= totalPages; page++ {
			req := httptest.NewRequest(
				"GET",
				"/campaigns?page="+strconv.Itoa(page)+
					"&page_size="+strconv.Itoa(pageSize)+
					"&status="+tc.status,
				nil,
			)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			resp := w.Result()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}

			var res struct {
				Data       []model.Snapshot `json:"data"`
				Pagination struct {
					Page       int `json:"page"`
					PageSize   int `json:"page_size"`
					TotalCount int `json:"total_count"`
				} `json:"pagination"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}

			// --- Check pagination info ---
			if res.Pagination.Page != page {
				t.Errorf("expected page %d, got %d", page, res.Pagination.Page)
			}
			if res.Pagination.PageSize != pageSize {
				t.Errorf("expected page size %d, got %d", pageSize, res.Pagination.PageSize)
			}
			if res.Pagination.TotalCount != tc.total {
				t.Errorf("expected total count %d, got %d", tc.total, res.Pagination.TotalCount)
			}

			// --- Check data ---
			for _, c := range res.Data {
				if seen[c.ID] {
					t.Errorf("duplicate campaign ID %d across pages", c.ID)
				}
				seen[c.ID] = true

				if tc.status != "" && string(c.Status) != tc.status {
					t.Errorf("expected status %s, got %s", tc.status, c.Status)
				}
			}
		}

		// --- Ensure all campaigns are returned ---
		if len(seen) != tc.total {
			t.Errorf("status %q: expected %d unique campaigns, got %d", tc.status, tc.total, len(seen))
		}
	}
}

func TestListCampaignsRejectsUnknownStatus(t *testing.T) {
	store := repository.NewMemoryStore()
	h := handler.NewCampaignHandler(&service.CampaignService{CampaignRepo: store.Campaigns()}, nil)
	r := chi.NewRouter()
	h.Mount(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/campaigns?status=sending", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := handler.NewCampaignHandler(nil, nil)

	w := httptest.NewRecorder()
	h.Healthz(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	h.Ready = func(ctx context.Context) error { return errors.New("postgres: connection refused") }
	w = httptest.NewRecorder()
	h.Healthz(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
