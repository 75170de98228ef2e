package listings

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"harvest-core/lib/browser"
	"harvest-core/lib/htmlutil"
	"harvest-core/lib/locate"
	"harvest-core/lib/navstate"
	"harvest-core/lib/pipeline"
	"harvest-core/services/listings/db"

	"go.opentelemetry.io/otel/codes"
)

// CollectStep walks the catalog's search flow and notes every listing
// detail url it can find. re-running it is harmless, urls already on
// file are left alone.
type CollectStep struct {
	BaseUrl string
	Query   string
	Qry     *db.Queries
}

func (s *CollectStep) Name() string {
	return "collect"
}

func (s *CollectStep) Execute(ctx context.Context, rc *pipeline.RunContext) (pipeline.Metrics, error) {
	ctx, span := tracer.Start(ctx, "listings:Collect")
	defer span.End()

	session, err := browser.NewSession(browser.Options{BaseUrl: s.BaseUrl})
	if err != nil {
		return pipeline.Metrics{}, err
	}
	locator := locate.New(locate.Options{Step: s.Name()})
	machine := navstate.New(navstate.Options{Step: s.Name()})

	err = machine.TransitionTo(ctx, navstate.Loading, nil)
	if err != nil {
		return pipeline.Metrics{}, err
	}
	doc, err := session.Get(ctx, "/")
	if err != nil {
		return pipeline.Metrics{}, fmt.Errorf("fetch index: %w", err)
	}
	err = machine.TransitionTo(ctx, navstate.Loaded, func(ctx context.Context) error {
		if doc.Find("body").Children().Length() == 0 {
			return fmt.Errorf("index page came back empty")
		}
		return nil
	})
	if err != nil {
		return pipeline.Metrics{}, err
	}

	var searchBox locate.Match
	err = machine.TransitionTo(ctx, navstate.InputReady, func(ctx context.Context) error {
		var findErr error
		searchBox, findErr = locator.Find(ctx, doc, locate.Target{
			Role:     "searchbox",
			Label:    "search",
			Selector: "form input[type='text']",
		})
		return findErr
	})
	if err != nil {
		return pipeline.Metrics{}, err
	}

	form := searchBox.Selection.Closest("form")
	action := form.AttrOr("action", "/search")
	field := searchBox.Selection.AttrOr("name", "q")

	err = machine.TransitionTo(ctx, navstate.Loading, nil)
	if err != nil {
		return pipeline.Metrics{}, err
	}
	results, err := session.PostForm(ctx, action, url.Values{field: {s.Query}})
	if err != nil {
		return pipeline.Metrics{}, fmt.Errorf("submit search: %w", err)
	}

	var container locate.Match
	err = machine.TransitionTo(ctx, navstate.ResultsReady, func(ctx context.Context) error {
		var findErr error
		container, findErr = locator.Find(ctx, results, locate.Target{
			Role:     "list",
			Label:    "listings",
			Selector: "#results",
		})
		return findErr
	})
	if err != nil {
		return pipeline.Metrics{}, err
	}

	anchors := htmlutil.GetAnchors(ctx, container.Selection.Find("a"))

	metrics := pipeline.Metrics{}
	seen := map[string]bool{}
	now := time.Now().Unix()
	for _, anchor := range anchors {
		if !strings.Contains(anchor.Href, "/listing") {
			continue
		}
		if seen[anchor.Href] {
			continue
		}
		seen[anchor.Href] = true
		metrics.ItemsRead++

		err = s.Qry.NoteDiscovered(ctx, db.NoteDiscoveredParams{
			Url:          anchor.Href,
			Status:       db.LISTING_STATUS_PENDING,
			DiscoveredAt: now,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to note discovered listing")
			return metrics, fmt.Errorf("note discovered listing %q: %w", anchor.Href, err)
		}
		metrics.ItemsInserted++
	}

	if metrics.ItemsRead == 0 {
		span.AddEvent("no listing links on the results page")
	}
	metrics.ItemsProcessed = metrics.ItemsRead
	return metrics, nil
}
