package pricing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor drives the pricing batch on a fixed interval. The interval
// comes from the settings row at startup; RunBatch itself re-reads the rest
// of the config on every pass.
type Processor struct {
	service  *Service
	interval time.Duration
}

func NewProcessor(service *Service) *Processor {
	interval := 5 * time.Minute
	if cfg, err := service.GetConfig(); err == nil && cfg.BatchIntervalMinutes > 0 {
		interval = time.Duration(cfg.BatchIntervalMinutes) * time.Minute
	}
	return &Processor{
		service:  service,
		interval: interval,
	}
}

// Start begins the periodic batch loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "pricing_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting dynamic pricing processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down dynamic pricing processor")
			return
		case <-ticker.C:
			if _, err := p.service.RunBatch(); err != nil {
				logger.Error().Err(err).Msg("pricing batch failed")
			}
		}
	}
}
