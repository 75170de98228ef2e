package listings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"harvest-core/lib/browser"
	"harvest-core/lib/htmlutil"
	"harvest-core/lib/locate"
	"harvest-core/lib/pipeline"
	"harvest-core/lib/proctrack"
	"harvest-core/lib/rounds"
	"harvest-core/services/listings/db"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// the upstream has decided it does not like us. retrying would only
// dig the hole deeper, so the whole step aborts.
var ErrBlocked = fmt.Errorf("access blocked by upstream")

// ExtractStep visits every pending listing's detail page and pulls
// its fields, under the retry round schedule. listings that never
// yield to the structured extractor get a crude fallback pass.
type ExtractStep struct {
	BaseUrl string
	Qry     *db.Queries

	// optional external worker processes, one per pool thread
	Tracker       *proctrack.Tracker
	WorkerCommand string
	WorkerArgs    []string
}

func (s *ExtractStep) Name() string {
	return "extract"
}

func (s *ExtractStep) Execute(ctx context.Context, rc *pipeline.RunContext) (pipeline.Metrics, error) {
	ctx, span := tracer.Start(ctx, "listings:Extract")
	defer span.End()

	src := &detailSource{
		qry:     s.Qry,
		locator: locate.New(locate.Options{Step: s.Name()}),
	}
	rc.Rounds.AcquireDriver = s.acquireDriver(rc)

	result, err := rc.RunRounds(ctx, src)
	if err != nil {
		return pipeline.MetricsFromResult(result), err
	}

	// items that came through every round empty-handed are genuinely
	// gone, not failures
	for key, outcome := range result.Outcomes {
		if outcome.Class != rounds.ZeroResult {
			continue
		}
		err := s.Qry.MarkMissing(ctx, db.MarkMissingParams{
			Status:      db.LISTING_STATUS_MISSING,
			ExtractedAt: sql.NullInt64{Int64: time.Now().Unix(), Valid: true},
			Url:         key,
		})
		if err != nil {
			return pipeline.MetricsFromResult(result), fmt.Errorf("mark listing missing: %w", err)
		}
	}

	metrics := pipeline.MetricsFromResult(result)
	metrics.ItemsInserted = int(src.inserted.Load())
	return metrics, nil
}

func (s *ExtractStep) acquireDriver(rc *pipeline.RunContext) func(ctx context.Context, thread int) (rounds.Driver, error) {
	return func(ctx context.Context, thread int) (rounds.Driver, error) {
		session, err := browser.NewSession(browser.Options{BaseUrl: s.BaseUrl})
		if err != nil {
			return nil, err
		}
		drv := &sessionDriver{session: session}

		if s.WorkerCommand != "" && s.Tracker != nil {
			drv.tracker = s.Tracker
			drv.spec = proctrack.Spec{
				RunID:   rc.RunID,
				StepIdx: rc.StepIdx,
				Thread:  thread,
				Command: s.WorkerCommand,
				Args:    s.WorkerArgs,
			}
			drv.worker, err = s.Tracker.Spawn(ctx, drv.spec)
			if err != nil {
				return nil, err
			}
		}
		return drv, nil
	}
}

// sessionDriver is what each pool worker holds: an http session and,
// when configured, a tracked external worker process. recycling
// replaces both.
type sessionDriver struct {
	session *browser.Session

	tracker *proctrack.Tracker
	spec    proctrack.Spec
	worker  *proctrack.Worker
}

func (d *sessionDriver) Recycle(ctx context.Context) error {
	err := d.session.Reset()
	if err != nil {
		return err
	}
	if d.worker != nil {
		err = d.tracker.Terminate(ctx, d.worker, "retired")
		if err != nil {
			return err
		}
		d.worker, err = d.tracker.Spawn(ctx, d.spec)
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *sessionDriver) Close(ctx context.Context) error {
	if d.worker == nil {
		return nil
	}
	worker := d.worker
	d.worker = nil
	return d.tracker.Terminate(ctx, worker, "step finished")
}

type detailSource struct {
	qry      *db.Queries
	locator  *locate.Locator
	inserted atomic.Int64
}

func (s *detailSource) WorkingSet(ctx context.Context) ([]rounds.Item, error) {
	pending, err := s.qry.GetListingsByStatus(ctx, db.LISTING_STATUS_PENDING)
	if err != nil {
		return nil, err
	}
	items := make([]rounds.Item, 0, len(pending))
	for _, listing := range pending {
		items = append(items, rounds.Item{Key: listing.Url})
	}
	return items, nil
}

func (s *detailSource) FatalErrors() []error {
	return []error{ErrBlocked}
}

func (s *detailSource) Fallback() rounds.Extractor {
	return rounds.ExtractorFunc(s.extractCrude)
}

func (s *detailSource) Extract(ctx context.Context, drv rounds.Driver, batch []rounds.Item) ([]rounds.Outcome, error) {
	sdrv, ok := drv.(*sessionDriver)
	if !ok {
		return nil, fmt.Errorf("extract requires a session driver, got %T", drv)
	}

	outs := make([]rounds.Outcome, 0, len(batch))
	for _, item := range batch {
		outs = append(outs, s.extractDetail(ctx, sdrv.session, item))
	}
	return outs, nil
}

func (s *detailSource) extractDetail(ctx context.Context, session *browser.Session, item rounds.Item) rounds.Outcome {
	ctx, span := tracer.Start(ctx, "listings:extractDetail", trace.WithAttributes(
		attribute.String("url", item.Key),
	))
	defer span.End()

	doc, err := session.Get(ctx, item.Key)
	if err != nil {
		return classifyFetchError(item.Key, err)
	}

	// the page loaded fine but tells us the listing is gone
	if doc.Find(".gone").Length() > 0 {
		return rounds.NoResult(item.Key)
	}

	title, err := s.locator.Find(ctx, doc, locate.Target{
		Role:     "heading",
		Selector: "h1",
	})
	if err != nil {
		return rounds.Failed(item.Key, fmt.Errorf("locate title: %w", err))
	}
	price, err := s.locator.Find(ctx, doc, locate.Target{
		Label:    "price",
		Selector: ".price",
	})
	if err != nil {
		return rounds.Failed(item.Key, fmt.Errorf("locate price: %w", err))
	}

	// location and description are nice to have, a listing without
	// them is still a listing
	locationText := ""
	location, err := s.locator.Find(ctx, doc, locate.Target{
		Label:    "location",
		Selector: ".location",
	})
	if err == nil {
		locationText = htmlutil.VisibleText(location.Selection)
	}
	descriptionText := ""
	description, err := s.locator.Find(ctx, doc, locate.Target{
		Label:    "description",
		Selector: "#description",
	})
	if err == nil {
		descriptionText = htmlutil.VisibleText(description.Selection)
	}

	err = s.qry.SaveExtracted(ctx, db.SaveExtractedParams{
		Title:       htmlutil.VisibleText(title.Selection),
		Price:       htmlutil.VisibleText(price.Selection),
		Location:    locationText,
		Description: descriptionText,
		Status:      db.LISTING_STATUS_EXTRACTED,
		Source:      db.LISTING_SOURCE_DETAIL,
		ExtractedAt: sql.NullInt64{Int64: time.Now().Unix(), Valid: true},
		Url:         item.Key,
	})
	if err != nil {
		return rounds.Failed(item.Key, fmt.Errorf("save listing: %w", err))
	}

	s.inserted.Add(1)
	return rounds.Succeeded(item.Key)
}

// extractCrude is the fallback: no structure, just the page title and
// raw text, saved as a partial listing.
func (s *detailSource) extractCrude(ctx context.Context, drv rounds.Driver, batch []rounds.Item) ([]rounds.Outcome, error) {
	sdrv, ok := drv.(*sessionDriver)
	if !ok {
		return nil, fmt.Errorf("extract requires a session driver, got %T", drv)
	}

	outs := make([]rounds.Outcome, 0, len(batch))
	for _, item := range batch {
		outs = append(outs, s.salvage(ctx, sdrv.session, item))
	}
	return outs, nil
}

func (s *detailSource) salvage(ctx context.Context, session *browser.Session, item rounds.Item) rounds.Outcome {
	ctx, span := tracer.Start(ctx, "listings:salvage", trace.WithAttributes(
		attribute.String("url", item.Key),
	))
	defer span.End()

	doc, err := session.Get(ctx, item.Key)
	if err != nil {
		return classifyFetchError(item.Key, err)
	}
	if doc.Find(".gone").Length() > 0 {
		return rounds.NoResult(item.Key)
	}

	title := htmlutil.NormalizeText(doc.Find("title").Text())
	body := htmlutil.VisibleText(doc.Find("body"))
	if title == "" && body == "" {
		return rounds.NoResult(item.Key)
	}
	if len(body) > 2000 {
		body = body[:2000]
	}

	err = s.qry.SaveExtracted(ctx, db.SaveExtractedParams{
		Title:       title,
		Description: body,
		Status:      db.LISTING_STATUS_PARTIAL,
		Source:      db.LISTING_SOURCE_FALLBACK,
		ExtractedAt: sql.NullInt64{Int64: time.Now().Unix(), Valid: true},
		Url:         item.Key,
	})
	if err != nil {
		return rounds.Failed(item.Key, fmt.Errorf("save partial listing: %w", err))
	}

	s.inserted.Add(1)
	return rounds.Succeeded(item.Key)
}

func classifyFetchError(key string, err error) rounds.Outcome {
	var status *browser.StatusError
	if errors.As(err, &status) {
		switch status.StatusCode {
		case http.StatusForbidden, http.StatusTooManyRequests:
			return rounds.Failed(key, fmt.Errorf("%w: %v", ErrBlocked, err))
		case http.StatusNotFound:
			// a stale index link, nothing behind it to extract
			return rounds.NoResult(key)
		}
	}
	return rounds.Failed(key, err)
}
