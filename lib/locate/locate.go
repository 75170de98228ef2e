package locate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"harvest-core/lib/htmlutil"
	"harvest-core/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = telemetry.Tracer("harvest.lib.locate")

var ErrNoMatch = fmt.Errorf("no element matched any candidate strategy")
var ErrEmptyTarget = fmt.Errorf("target declares no candidate strategies")

type Strategy string

const (
	StrategyRole     Strategy = "role"
	StrategyLabel    Strategy = "label"
	StrategyText     Strategy = "text"
	StrategySelector Strategy = "selector"
)

// Target describes an element by whichever hints the caller has.
// candidates are tried in a fixed order: semantic role, accessible
// label, visible text, then the raw structural selector.
type Target struct {
	Role     string
	Label    string
	Text     string
	Selector string
}

func (t Target) String() string {
	var parts []string
	if t.Role != "" {
		parts = append(parts, "role="+t.Role)
	}
	if t.Label != "" {
		parts = append(parts, "label="+t.Label)
	}
	if t.Text != "" {
		parts = append(parts, "text="+t.Text)
	}
	if t.Selector != "" {
		parts = append(parts, "selector="+t.Selector)
	}
	return strings.Join(parts, " ")
}

type Match struct {
	Selection *goquery.Selection
	Strategy  Strategy
	// how semantically anchored the match is, in [0, 1]. structural
	// selector matches rank low even though they are mechanically
	// precise, since nothing ties them to the element's meaning.
	Confidence float64
	// true when a lower-priority strategy matched after the
	// preferred ones came up empty.
	FellBack bool
}

// similarity below this is not considered a label/text match at all.
const fuzzyThreshold = 0.85

type Options struct {
	// attached to logs and metrics so fallback noise can be traced
	// back to one step.
	Step string
}

// Locator resolves Targets against parsed documents. fallback use is
// counted per target: a target that keeps missing its preferred
// strategy is the early signal that the page changed.
type Locator struct {
	step string

	mu         sync.Mutex
	deviations map[string]int64
}

func New(opts Options) *Locator {
	return &Locator{
		step:       opts.Step,
		deviations: map[string]int64{},
	}
}

// the number of fallback matches recorded per target description.
func (l *Locator) Deviations() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.deviations))
	for k, v := range l.deviations {
		out[k] = v
	}
	return out
}

type candidate struct {
	strategy Strategy
	resolve  func(doc *goquery.Document) (*goquery.Selection, float64)
}

func (t Target) candidates() []candidate {
	var out []candidate
	if t.Role != "" {
		out = append(out, candidate{StrategyRole, byRole(t.Role)})
	}
	if t.Label != "" {
		out = append(out, candidate{StrategyLabel, byLabel(t.Label)})
	}
	if t.Text != "" {
		out = append(out, candidate{StrategyText, byText(t.Text)})
	}
	if t.Selector != "" {
		out = append(out, candidate{StrategySelector, bySelector(t.Selector)})
	}
	return out
}

// Find resolves `target` to exactly one element of `doc`. strategies
// are tried in priority order, a strategy only matches when it
// narrows down to a single element. failure to match anything is a
// locator failure, which is not the same thing as a page that
// genuinely has no results.
func (l *Locator) Find(ctx context.Context, doc *goquery.Document, target Target) (Match, error) {
	ctx, span := tracer.Start(ctx, "locator:Find", trace.WithAttributes(
		attribute.String("step", l.step),
		attribute.String("target", target.String()),
	))
	defer span.End()

	candidates := target.candidates()
	if len(candidates) == 0 {
		return Match{}, ErrEmptyTarget
	}

	for i, c := range candidates {
		sel, confidence := c.resolve(doc)
		if sel == nil {
			span.AddEvent("strategy missed", trace.WithAttributes(
				attribute.String("strategy", string(c.strategy)),
			))
			continue
		}

		match := Match{
			Selection:  sel,
			Strategy:   c.strategy,
			Confidence: confidence,
			FellBack:   i > 0,
		}
		if match.FellBack {
			l.recordDeviation(ctx, target, c.strategy)
		}
		span.SetAttributes(
			attribute.String("matched_strategy", string(c.strategy)),
			attribute.Float64("confidence", confidence),
			attribute.Bool("fell_back", match.FellBack),
		)
		return match, nil
	}

	return Match{}, fmt.Errorf("%w: %s", ErrNoMatch, target.String())
}

func (l *Locator) recordDeviation(ctx context.Context, target Target, matched Strategy) {
	key := target.String()

	l.mu.Lock()
	l.deviations[key]++
	count := l.deviations[key]
	l.mu.Unlock()

	fallbackCounter.Add(ctx, 1, deviationAttrs(l.step, string(matched)))
	slog.WarnContext(
		ctx, "located element through fallback strategy",
		"step", l.step,
		"target", key,
		"matched_strategy", matched,
		"times", count,
	)
}

// a strategy resolves to (nil, 0) when it cannot narrow the document
// down to exactly one element.

func byRole(role string) func(doc *goquery.Document) (*goquery.Selection, float64) {
	return func(doc *goquery.Document) (*goquery.Selection, float64) {
		explicit := doc.Find(fmt.Sprintf("[role='%s']", role))
		if explicit.Length() == 1 {
			return explicit, 1.0
		}
		if explicit.Length() > 1 {
			return nil, 0
		}

		selectors, ok := implicitRoleSelectors[role]
		if !ok {
			return nil, 0
		}
		matched := doc.Find(strings.Join(selectors, ", "))
		if matched.Length() != 1 {
			return nil, 0
		}
		return matched, 0.9
	}
}

var labelAttrs = []string{"aria-label", "placeholder", "name", "title"}

func byLabel(label string) func(doc *goquery.Document) (*goquery.Selection, float64) {
	return func(doc *goquery.Document) (*goquery.Selection, float64) {
		type scored struct {
			sel   *goquery.Selection
			score float64
		}
		var best []scored

		consider := func(sel *goquery.Selection, score float64) {
			if score < fuzzyThreshold || len(sel.Nodes) == 0 {
				return
			}
			if len(best) > 0 && score < best[0].score {
				return
			}
			if len(best) > 0 && score > best[0].score {
				best = best[:0]
			}
			for _, b := range best {
				// the same element can qualify through several attributes
				if b.sel.Nodes[0] == sel.Nodes[0] {
					return
				}
			}
			best = append(best, scored{sel, score})
		}

		for _, attr := range labelAttrs {
			doc.Find(fmt.Sprintf("[%s]", attr)).Each(func(_ int, sel *goquery.Selection) {
				value := htmlutil.NormalizeText(sel.AttrOr(attr, ""))
				consider(sel, similarity(value, label))
			})
		}

		// <label for="id"> text resolves to the labelled control
		doc.Find("label[for]").Each(func(_ int, sel *goquery.Selection) {
			score := similarity(htmlutil.VisibleText(sel), label)
			if score < fuzzyThreshold {
				return
			}
			control := doc.Find("#" + sel.AttrOr("for", ""))
			if control.Length() != 1 {
				return
			}
			consider(control, score)
		})

		if len(best) != 1 {
			return nil, 0
		}
		return best[0].sel, best[0].score
	}
}

// elements whose visible text is worth matching against. bare
// containers like div soak up all their children's text, so the
// search is restricted to leaf-ish content elements.
const textSearchScope = "a, button, label, legend, option, h1, h2, h3, h4, h5, h6, th, td, li, span, p, summary"

func byText(text string) func(doc *goquery.Document) (*goquery.Selection, float64) {
	return func(doc *goquery.Document) (*goquery.Selection, float64) {
		var exact []*goquery.Selection
		var fuzzy []*goquery.Selection
		bestFuzzy := 0.0

		doc.Find(textSearchScope).Each(func(_ int, sel *goquery.Selection) {
			visible := htmlutil.VisibleText(sel)
			if visible == "" {
				return
			}
			if strings.EqualFold(visible, htmlutil.NormalizeText(text)) {
				exact = append(exact, sel)
				return
			}
			score := similarity(visible, text)
			if score < fuzzyThreshold {
				return
			}
			if score > bestFuzzy {
				bestFuzzy = score
				fuzzy = fuzzy[:0]
			}
			if score == bestFuzzy {
				fuzzy = append(fuzzy, sel)
			}
		})

		exact = innermost(exact)
		if len(exact) == 1 {
			return exact[0], 1.0
		}
		if len(exact) > 1 {
			return nil, 0
		}

		fuzzy = innermost(fuzzy)
		if len(fuzzy) == 1 {
			return fuzzy[0], bestFuzzy
		}
		return nil, 0
	}
}

// an anchor and the span inside it can both carry the same text,
// keep only matches that do not contain another match.
func innermost(matches []*goquery.Selection) []*goquery.Selection {
	if len(matches) < 2 {
		return matches
	}
	var out []*goquery.Selection
	for i, m := range matches {
		containsAnother := false
		for j, other := range matches {
			if i == j {
				continue
			}
			if m.Contains(other.Nodes[0]) {
				containsAnother = true
				break
			}
		}
		if !containsAnother {
			out = append(out, m)
		}
	}
	return out
}

func bySelector(selector string) func(doc *goquery.Document) (*goquery.Selection, float64) {
	return func(doc *goquery.Document) (*goquery.Selection, float64) {
		matched := doc.Find(selector)
		if matched.Length() != 1 {
			return nil, 0
		}
		return matched, 0.6
	}
}

func similarity(left, right string) float64 {
	if left == "" || right == "" {
		return 0
	}
	if strings.EqualFold(left, right) {
		return 1.0
	}
	return matchr.JaroWinkler(strings.ToLower(left), strings.ToLower(right), false)
}
