// Package app wires the dispatch stack from configuration. Both the API host
// and the CLI build their dispatcher here.
package app

import (
	"fmt"
	"time"

	"github.com/iago/erpnext-dispatch/internal/cache"
	"github.com/iago/erpnext-dispatch/internal/catalog"
	"github.com/iago/erpnext-dispatch/internal/config"
	"github.com/iago/erpnext-dispatch/internal/dispatch"
	"github.com/iago/erpnext-dispatch/internal/erpclient"
	"github.com/iago/erpnext-dispatch/internal/failure"
	"github.com/iago/erpnext-dispatch/internal/policy"
	"github.com/iago/erpnext-dispatch/internal/report"
	"github.com/rs/zerolog"
)

type Stack struct {
	Dispatcher *dispatch.Dispatcher
	Redactor   *policy.Redactor
	Catalog    *catalog.Catalog
}

func NewStack(cfg config.Config, logger zerolog.Logger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	operations, err := catalog.Load()
	if err != nil {
		return nil, fmt.Errorf("load operation catalog: %w", err)
	}

	client := erpclient.New(erpclient.Config{
		BaseURL:            cfg.ERPNextURL,
		APIKey:             cfg.ERPNextAPIKey,
		APISecret:          cfg.ERPNextAPISecret,
		Timeout:            time.Duration(cfg.ERPNextTimeoutMS) * time.Millisecond,
		InsecureSkipVerify: !cfg.ERPNextVerifySSL,
		RateLimitRPS:       cfg.ERPNextRateLimitRPS,
		RateLimitBurst:     cfg.ERPNextRateLimitBurst,
		Logger:             logger,
	})

	var results *cache.ResultCache
	if cfg.ReportCacheTTLSeconds > 0 {
		results = cache.NewResultCache(cache.Config{
			TTL:        time.Duration(cfg.ReportCacheTTLSeconds) * time.Second,
			MaxEntries: cfg.ReportCacheMaxEntries,
		})
	}
	reports := report.NewExecutor(client, report.Options{Cache: results, Logger: logger})

	redactor := policy.NewRedactor(cfg.Secrets()...)
	dispatcher := dispatch.New(dispatch.Dependencies{
		Catalog:    operations,
		Client:     client,
		Reports:    reports,
		Normalizer: failure.NewNormalizer(redactor),
		Logger:     logger,
	})

	logger.Info().
		Int("catalog_version", operations.Version()).
		Int("operations", len(operations.Names())).
		Bool("report_cache", results != nil).
		Msg("dispatch stack ready")

	return &Stack{Dispatcher: dispatcher, Redactor: redactor, Catalog: operations}, nil
}
