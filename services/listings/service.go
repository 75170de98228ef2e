// Package listings is the pipeline that harvests a classifieds-style
// catalog: discover detail urls from the search results, pull each
// listing's fields with retry rounds, then sanity-check the haul.
package listings

import (
	"context"
	"fmt"

	"harvest-core/internal/registry"
	"harvest-core/lib/configutil"
	configlibsql "harvest-core/lib/configutil/libsql"
	"harvest-core/lib/pipeline"
	"harvest-core/lib/telemetry"
	"harvest-core/services/listings/db"
)

var tracer = telemetry.Tracer("harvest.services.listings")

type Config struct {
	BaseUrl string `json:"base_url"`
	// where extracted listings land, separate from the orchestrator's
	// own database
	Database configlibsql.Struct `json:"database"`
	// search submitted on the index page to surface all listings
	Query string `json:"query"`
}

type fileConfig struct {
	Listings Config `json:"listings"`
}

func init() {
	registry.Register(registry.Pipeline{
		Name:        "listings",
		Description: "Collects catalog listings and extracts their details.",
		Build:       build,
	})
}

func build(ctx context.Context, core registry.Core) ([]pipeline.Step, error) {
	file, err := configutil.ReadConfig[fileConfig](core.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read listings config: %w", err)
	}
	config := file.Listings
	if config.BaseUrl == "" {
		return nil, fmt.Errorf("listings: base_url is required")
	}
	if config.Database.File == "" && config.Database.Url == "" {
		config.Database.File = "data/listings.db"
	}

	database, err := config.Database.OpenDB(db.Schema)
	if err != nil {
		return nil, fmt.Errorf("open listings database: %w", err)
	}
	qry := db.New(database)

	return []pipeline.Step{
		&CollectStep{
			BaseUrl: config.BaseUrl,
			Query:   config.Query,
			Qry:     qry,
		},
		&ExtractStep{
			BaseUrl:       config.BaseUrl,
			Qry:           qry,
			Tracker:       core.Workers,
			WorkerCommand: core.WorkerCommand,
			WorkerArgs:    core.WorkerArgs,
		},
		&ReportStep{Qry: qry},
	}, nil
}
