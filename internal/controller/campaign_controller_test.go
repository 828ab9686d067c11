package controller_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatcher/internal/controller"
	"github.com/unclebandit/campaign-dispatcher/internal/handler"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
)

func newRouter(t *testing.T) (http.Handler, *queue.MemoryQueue) {
	t.Helper()
	store := repository.NewMemoryStore()
	q := queue.NewMemoryQueue(zap.NewNop())
	t.Cleanup(func() { q.Close() })

	svc := service.NewCampaignService(store.Campaigns(), store.Recipients(), q, zap.NewNop())

	r := chi.NewRouter()
	controller.NewCampaignController(svc, zap.NewNop()).Mount(r)
	handler.NewCampaignHandler(svc, zap.NewNop()).Mount(r)
	return r, q
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func createBody(n int) map[string]interface{} {
	recipients := make([]map[string]interface{}, n)
	for i := range recipients {
		recipients[i] = map[string]interface{}{
			"email":           fmt.Sprintf("r%d@example.com", i),
			"template_params": map[string]string{"first_name": "Alice"},
		}
	}
	now := time.Now()
	return map[string]interface{}{
		"name":         "launch",
		"template_ref": "launch-v1",
		"start_time":   now.Format(time.RFC3339Nano),
		"end_time":     now.Add(time.Hour).Format(time.RFC3339Nano),
		"recipients":   recipients,
	}
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) model.Snapshot {
	t.Helper()
	var snap model.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	return snap
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	r, q := newRouter(t)

	w := do(t, r, http.MethodPost, "/campaigns", createBody(3))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeSnapshot(t, w)
	assert.Equal(t, model.CampaignDraft, created.Status)
	assert.Equal(t, 3, created.TotalRecipients)
	base := fmt.Sprintf("/campaigns/%d", created.ID)

	w = do(t, r, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.CampaignRunning, decodeSnapshot(t, w).Status)
	assert.Equal(t, 3, q.Len())

	w = do(t, r, http.MethodPost, base+"/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "running")
	assert.Equal(t, 3, q.Len())

	w = do(t, r, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.CampaignPaused, decodeSnapshot(t, w).Status)

	w = do(t, r, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.CampaignRunning, decodeSnapshot(t, w).Status)

	w = do(t, r, http.MethodPost, base+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.CampaignStopped, decodeSnapshot(t, w).Status)
	assert.Equal(t, 0, q.Len())

	w = do(t, r, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeSnapshot(t, w)
	assert.Equal(t, model.CampaignStopped, snap.Status)
	assert.Equal(t, 3, snap.PendingCount)
}

func TestCreateCampaignRejectsBadInput(t *testing.T) {
	r, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/campaigns", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := createBody(0)
	w = do(t, r, http.MethodPost, "/campaigns", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "recipient")

	body = createBody(1)
	body["end_time"] = time.Now().Add(-time.Hour).Format(time.RFC3339)
	w = do(t, r, http.MethodPost, "/campaigns", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownCampaignIs404(t *testing.T) {
	r, _ := newRouter(t)

	for _, path := range []string{"/campaigns/42/start", "/campaigns/42/pause", "/campaigns/42/resume"} {
		w := do(t, r, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := do(t, r, http.MethodGet, "/campaigns/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/campaigns/abc/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFailCampaign(t *testing.T) {
	r, q := newRouter(t)

	w := do(t, r, http.MethodPost, "/campaigns", createBody(2))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeSnapshot(t, w).ID

	w = do(t, r, http.MethodPost, fmt.Sprintf("/campaigns/%d/fail", id), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, fmt.Sprintf("/campaigns/%d/start", id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, fmt.Sprintf("/campaigns/%d/fail", id), map[string]string{"reason": "template withdrawn"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.CampaignFailed, decodeSnapshot(t, w).Status)
	assert.Equal(t, 0, q.Len())
}

func TestListRecipientsOverHTTP(t *testing.T) {
	r, _ := newRouter(t)

	w := do(t, r, http.MethodPost, "/campaigns", createBody(5))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeSnapshot(t, w).ID

	w = do(t, r, http.MethodGet, fmt.Sprintf("/campaigns/%d/recipients?status=pending&limit=2", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		CampaignID int               `json:"campaign_id"`
		Data       []model.Recipient `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, id, res.CampaignID)
	require.Len(t, res.Data, 2)
	assert.Equal(t, model.RecipientPending, res.Data[0].Status)
	assert.Equal(t, "Alice", res.Data[0].TemplateParams["first_name"])

	w = do(t, r, http.MethodGet, fmt.Sprintf("/campaigns/%d/recipients?status=bogus", id), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
