package listings

import (
	"context"
	"fmt"
	"log/slog"

	"harvest-core/lib/pipeline"
	"harvest-core/services/listings/db"
)

// ReportStep takes stock of the haul once extraction is done. a run
// that discovered listings but extracted none of them is treated as
// broken rather than quietly completed.
type ReportStep struct {
	Qry *db.Queries
}

func (s *ReportStep) Name() string {
	return "report"
}

func (s *ReportStep) Execute(ctx context.Context, rc *pipeline.RunContext) (pipeline.Metrics, error) {
	ctx, span := tracer.Start(ctx, "listings:Report")
	defer span.End()

	counts, err := s.Qry.CountByStatus(ctx)
	if err != nil {
		return pipeline.Metrics{}, err
	}

	total := 0
	extracted := 0
	unresolved := 0
	for _, c := range counts {
		total += int(c.Count)
		switch c.Status {
		case db.LISTING_STATUS_EXTRACTED, db.LISTING_STATUS_PARTIAL:
			extracted += int(c.Count)
		case db.LISTING_STATUS_PENDING:
			unresolved += int(c.Count)
		}
		slog.InfoContext(ctx, "listing count", "status", c.Status, "count", c.Count)
	}

	metrics := pipeline.Metrics{
		ItemsRead:      total,
		ItemsProcessed: extracted,
		ItemsRejected:  unresolved,
	}
	if total > 0 && extracted == 0 {
		return metrics, fmt.Errorf("%d listings discovered but none extracted", total)
	}
	return metrics, nil
}
