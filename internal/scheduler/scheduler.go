package scheduler

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/nvela/plandesk/config"
	"github.com/nvela/plandesk/internal/service"
)

// Scheduler drives the periodic background sync.
type Scheduler struct {
	cfg         *config.Config
	syncService *service.SyncService
	cron        *cron.Cron
}

func New(cfg *config.Config, syncSvc *service.SyncService) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		syncService: syncSvc,
		cron:        cron.New(cron.WithLocation(cfg.Timezone)),
	}
}

// Start registers the sync job and runs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.cfg.SyncInterval)
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.syncService.MaybeSync(ctx, "timer"); err != nil {
			log.Printf("scheduler: sync failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sync job: %w", err)
	}

	s.cron.Start()
	log.Printf("Scheduler started, syncing every %s", s.cfg.SyncInterval)

	<-ctx.Done()
	s.cron.Stop()
	return nil
}
