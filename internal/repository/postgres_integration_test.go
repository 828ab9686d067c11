package repository_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatcher/internal/db"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	conn, err := db.Open(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), conn))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPostgresAtomicCountersAndTx(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	campaigns := &repository.CampaignRepository{DB: conn}
	recipients := &repository.RecipientRepository{DB: conn}

	const n = 40
	c := &model.Campaign{
		Name:            "pg-test",
		TemplateRef:     "tmpl",
		TotalRecipients: n,
		StartTime:       time.Now(),
		EndTime:         time.Now().Add(time.Hour),
	}
	require.NoError(t, campaigns.Create(ctx, c))

	in := make([]model.Recipient, n)
	for i := range in {
		in[i] = model.Recipient{Email: fmt.Sprintf("pg%d@example.com", i), TemplateParams: map[string]string{"i": fmt.Sprint(i)}}
	}
	rs, err := recipients.CreateBatch(ctx, c.ID, in)
	require.NoError(t, err)
	require.Len(t, rs, n)

	ok, err := campaigns.TransitionStatus(ctx, c.ID, model.CampaignRunning, model.CampaignDraft)
	require.NoError(t, err)
	require.True(t, ok)

	rec := &repository.TxRecorder{DB: conn}
	var wg sync.WaitGroup
	for i, r := range rs {
		wg.Add(2)
		// Each recipient is recorded twice to simulate redelivery.
		for k := 0; k < 2; k++ {
			go func(i, id int) {
				defer wg.Done()
				if i%5 == 0 {
					_, err := rec.RecordFailed(ctx, c.ID, id, "bounced")
					assert.NoError(t, err)
					return
				}
				_, err := rec.RecordSent(ctx, c.ID, id, "m")
				assert.NoError(t, err)
			}(i, r.ID)
		}
	}
	wg.Wait()

	agg, err := campaigns.GetAggregate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 32, agg.SentCount)
	assert.Equal(t, 8, agg.FailedCount)

	got, err := recipients.GetByID(ctx, rs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecipientSent, got.Status)
	assert.Equal(t, "1", got.TemplateParams["i"])
}
