package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited is returned when the sync API rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// SyncResult contains the result of a sync operation.
type SyncResult struct {
	TablesAdded     int       `json:"tables_added"`
	TablesUpdated   int       `json:"tables_updated"`
	TablesRemoved   int       `json:"tables_removed"`
	TablesTotal     int       `json:"tables_total"`
	SyncedAt        time.Time `json:"synced_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// SyncService manages periodic synchronization of the catalog with storage.
type SyncService struct {
	catalog  *Catalog
	interval time.Duration
	cooldown time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Rate limiting for API triggers
	lastAPISync time.Time
	apiMutex    sync.Mutex

	// Prevents concurrent sync operations
	syncOpMutex sync.Mutex

	// Track next scheduled sync for reporting
	nextSync time.Time
	syncMu   sync.RWMutex
}

// DefaultSyncCooldown is the minimum delay between two manual syncs.
const DefaultSyncCooldown = 30 * time.Second

// NewSyncService creates a new sync service.
func NewSyncService(catalog *Catalog, interval time.Duration, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		catalog:  catalog,
		interval: interval,
		cooldown: DefaultSyncCooldown,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sync scheduler.
func (s *SyncService) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("periodic sync disabled")
		return
	}
	s.logger.Info("starting sync service", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

// run is the main sync loop.
func (s *SyncService) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Set initial next sync time
	s.setNextSync(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync service stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("sync service stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled sync triggered")
			s.doSync(ctx)
			s.setNextSync(time.Now().Add(s.interval))
		}
	}
}

// Stop gracefully stops the sync service.
func (s *SyncService) Stop() {
	s.logger.Info("stopping sync service")
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// TriggerSync manually triggers a sync operation. Calls closer than the
// cooldown return ErrRateLimited.
func (s *SyncService) TriggerSync(ctx context.Context) (SyncResult, error) {
	s.apiMutex.Lock()
	defer s.apiMutex.Unlock()

	if !s.lastAPISync.IsZero() && time.Since(s.lastAPISync) < s.cooldown {
		return SyncResult{}, ErrRateLimited
	}
	s.lastAPISync = time.Now()

	return s.doSyncWithResult(ctx)
}

// doSync performs the sync operation without returning detailed results.
func (s *SyncService) doSync(ctx context.Context) {
	// Prevent concurrent sync operations
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	if _, err := s.catalog.Sync(ctx); err != nil {
		s.logger.Error("sync failed", "error", err)
	}
}

// doSyncWithResult performs the sync operation and returns detailed results.
func (s *SyncService) doSyncWithResult(ctx context.Context) (SyncResult, error) {
	// Prevent concurrent sync operations
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	stats, err := s.catalog.Sync(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	return SyncResult{
		TablesAdded:     stats.Added,
		TablesUpdated:   stats.Updated,
		TablesRemoved:   stats.Removed,
		TablesTotal:     s.catalog.Count(),
		SyncedAt:        time.Now(),
		NextScheduledAt: s.getNextSync(),
	}, nil
}

// setNextSync updates the next scheduled sync time.
func (s *SyncService) setNextSync(t time.Time) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.nextSync = t
}

// getNextSync returns the next scheduled sync time.
func (s *SyncService) getNextSync() time.Time {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.nextSync
}

// Interval returns the sync interval.
func (s *SyncService) Interval() time.Duration {
	return s.interval
}

// SetCooldown changes the minimum delay between two manual syncs.
func (s *SyncService) SetCooldown(d time.Duration) {
	s.apiMutex.Lock()
	defer s.apiMutex.Unlock()
	s.cooldown = d
}
