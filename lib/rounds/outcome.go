package rounds

import (
	"context"
	"errors"
	"fmt"
)

// Class is the verdict on one item attempt. it exists to decide
// retry eligibility, nothing else keys off it.
type Class string

const (
	// the item produced data and will never be re-attempted
	Success Class = "success"
	// everything worked but the page had nothing for this item,
	// worth retrying since upstream data often lands late
	ZeroResult Class = "zero-result"
	// the attempt itself broke (navigation, location, timeout...)
	Errored Class = "error"
)

// Item is one unit of a step's working set. Data is whatever the
// step needs to carry along, the coordinator never looks inside it.
type Item struct {
	Key  string
	Data any
}

type Outcome struct {
	Key   string
	Class Class
	Err   error
}

func Succeeded(key string) Outcome {
	return Outcome{Key: key, Class: Success}
}

func NoResult(key string) Outcome {
	return Outcome{Key: key, Class: ZeroResult}
}

func Failed(key string, err error) Outcome {
	return Outcome{Key: key, Class: Errored, Err: err}
}

type Extractor interface {
	// Extract attempts every item of `batch` with the calling
	// worker's driver and reports one outcome per item. drv is nil
	// when the step declared no driver factory. a returned error is a
	// batch-level failure and counts against every item in the batch.
	Extract(ctx context.Context, drv Driver, batch []Item) ([]Outcome, error)
}

type ExtractorFunc func(ctx context.Context, drv Driver, batch []Item) ([]Outcome, error)

func (f ExtractorFunc) Extract(ctx context.Context, drv Driver, batch []Item) ([]Outcome, error) {
	return f(ctx, drv, batch)
}

// Source is the step side of the retry contract.
type Source interface {
	Extractor

	// the items this step execution is responsible for
	WorkingSet(ctx context.Context) ([]Item, error)
	// error classes that abort the whole step instead of retrying,
	// matched with errors.Is
	FatalErrors() []error
	// a slower, more reliable extractor for items that survive every
	// round, nil when the step has none
	Fallback() Extractor
}

// FatalError carries the item whose error matched a declared fatal
// class. it aborts the step immediately.
type FatalError struct {
	Key   string
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error on item %q: %s", e.Key, e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

func isFatal(declared []error, err error) bool {
	if err == nil {
		return false
	}
	for _, class := range declared {
		if errors.Is(err, class) {
			return true
		}
	}
	return false
}
