package db

import _ "embed"

//go:embed schema.sql
var Schema string

const (
	// discovered on the index, not yet visited
	LISTING_STATUS_PENDING = "pending"
	// all fields pulled from the detail page
	LISTING_STATUS_EXTRACTED = "extracted"
	// detail page loads but reports the listing gone
	LISTING_STATUS_MISSING = "missing"
	// only what the fallback extractor could salvage
	LISTING_STATUS_PARTIAL = "partial"
)

const (
	LISTING_SOURCE_DETAIL   = "detail"
	LISTING_SOURCE_FALLBACK = "fallback"
)
