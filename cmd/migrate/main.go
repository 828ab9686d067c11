// cmd/migrate/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/db"
	"github.com/unclebandit/campaign-dispatcher/internal/logging"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
)

func main() {
	seed := flag.Int("seed", 0, "create a draft demo campaign with this many recipients")
	window := flag.Duration("window", time.Hour, "send window of the demo campaign")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid config: ", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	logger.Info("✅ schema applied")

	if *seed <= 0 {
		return
	}

	svc := &service.CampaignService{
		CampaignRepo:  &repository.CampaignRepository{DB: conn},
		RecipientRepo: &repository.RecipientRepository{DB: conn},
		Log:           logger,
	}
	now := time.Now().UTC()
	in := service.NewCampaign{
		Name:        "demo " + now.Format("2006-01-02 15:04"),
		TemplateRef: "demo-v1",
		StartTime:   now,
		EndTime:     now.Add(*window),
	}
	for i := 0; i < *seed; i++ {
		in.Recipients = append(in.Recipients, service.NewRecipient{
			Email:          fmt.Sprintf("demo+%d@example.com", i),
			TemplateParams: map[string]string{"first_name": fmt.Sprintf("Demo %d", i)},
		})
	}

	snap, err := svc.CreateCampaign(ctx, in)
	if err != nil {
		logger.Fatal("seed", zap.Error(err))
	}
	logger.Info("✅ seeded demo campaign", zap.Int("campaign_id", snap.ID), zap.Int("recipients", snap.TotalRecipients))
}
