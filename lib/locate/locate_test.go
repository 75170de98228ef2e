package locate

import (
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, html string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestFindPrefersRole(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})
	doc := parse(t, `<nav role="navigation" id="main-nav"><a href="/">Home</a></nav>`)

	match, err := locator.Find(ctx, doc, Target{Role: "navigation", Selector: "#main-nav"})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, StrategyRole, match.Strategy)
	require.Equal(t, 1.0, match.Confidence)
	require.False(t, match.FellBack)
	require.Equal(t, "main-nav", match.Selection.AttrOr("id", ""))
	require.Empty(t, locator.Deviations())
}

func TestFindImplicitRole(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})
	doc := parse(t, `<form><input type="search" name="q"><button>Go</button></form>`)

	match, err := locator.Find(ctx, doc, Target{Role: "searchbox"})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, StrategyRole, match.Strategy)
	require.Equal(t, 0.9, match.Confidence)
	require.Equal(t, "q", match.Selection.AttrOr("name", ""))
}

func TestAmbiguityFailsTheStrategyNotTheFind(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})
	doc := parse(t, `
		<button role="button" id="first">One</button>
		<button role="button" id="second">Two</button>`)

	// two candidates kill the role strategy, the cascade moves on to
	// the structural selector
	match, err := locator.Find(ctx, doc, Target{Role: "button", Selector: "#second"})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, StrategySelector, match.Strategy)
	require.Equal(t, 0.6, match.Confidence)
	require.True(t, match.FellBack)
	require.Equal(t, "second", match.Selection.AttrOr("id", ""))
}

func TestFallbackRecordsDeviation(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})
	doc := parse(t, `<div id="search-box"><input type="text" name="q"></div>`)

	target := Target{Role: "searchbox", Selector: "#search-box"}
	for i := 0; i < 2; i++ {
		match, err := locator.Find(ctx, doc, target)
		if err != nil {
			t.Fatal(err)
		}
		require.True(t, match.FellBack)
	}

	deviations := locator.Deviations()
	require.Equal(t, int64(2), deviations[target.String()])
}

func TestFindByLabelAttribute(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})
	doc := parse(t, `<input type="text" placeholder="Search listings">`)

	match, err := locator.Find(ctx, doc, Target{Label: "search listings"})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, StrategyLabel, match.Strategy)
	require.Equal(t, 1.0, match.Confidence)
	require.False(t, match.FellBack)
}

func TestFindByLabelForAttribute(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})
	doc := parse(t, `
		<label for="query">Search listings</label>
		<input id="query" type="text">`)

	match, err := locator.Find(ctx, doc, Target{Label: "Search listings"})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, StrategyLabel, match.Strategy)
	// the label's text resolves to the control it labels
	require.Equal(t, "query", match.Selection.AttrOr("id", ""))
}

func TestFindByLabelToleratesTypos(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})
	doc := parse(t, `<input type="text" placeholder="Serach listings">`)

	match, err := locator.Find(ctx, doc, Target{Label: "search listings"})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, StrategyLabel, match.Strategy)
	require.Less(t, match.Confidence, 1.0)
	require.GreaterOrEqual(t, match.Confidence, fuzzyThreshold)
}

func TestAmbiguousLabelDoesNotMatch(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})
	doc := parse(t, `
		<input type="text" placeholder="Search listings">
		<input type="text" placeholder="Search listings">`)

	_, err := locator.Find(ctx, doc, Target{Label: "search listings"})
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestFindByVisibleTextPicksTheInnermost(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})
	doc := parse(t, `
		<ul>
			<li><a href="/listing/1"><span>Coastal cottage</span></a></li>
			<li><a href="/listing/2">City flat</a></li>
		</ul>`)

	match, err := locator.Find(ctx, doc, Target{Text: "Coastal cottage"})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, StrategyText, match.Strategy)
	require.Equal(t, 1.0, match.Confidence)
	require.Equal(t, "span", goquery.NodeName(match.Selection))
}

func TestNoMatchIsNotAZeroResult(t *testing.T) {
	ctx := context.Background()
	locator := New(Options{Step: "collect"})

	// an empty results container still matches: the page answered,
	// there just is nothing in it
	{
		doc := parse(t, `<ul id="results" aria-label="listings"></ul>`)
		match, err := locator.Find(ctx, doc, Target{Role: "list", Label: "listings", Selector: "#results"})
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, StrategyRole, match.Strategy)
		require.Equal(t, 0, match.Selection.Children().Length())
	}

	// a page where nothing matches at all is a locator failure
	{
		doc := parse(t, `<div class="totally-rebuilt-page"></div>`)
		_, err := locator.Find(ctx, doc, Target{Role: "list", Label: "listings", Selector: "#results"})
		require.ErrorIs(t, err, ErrNoMatch)
		require.ErrorContains(t, err, "role=list")
	}
}

func TestEmptyTarget(t *testing.T) {
	locator := New(Options{Step: "collect"})
	doc := parse(t, `<p>whatever</p>`)
	_, err := locator.Find(context.Background(), doc, Target{})
	require.ErrorIs(t, err, ErrEmptyTarget)
}
