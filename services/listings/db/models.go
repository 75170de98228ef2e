package db

import "database/sql"

type Listing struct {
	Url          string
	Title        string
	Price        string
	Location     string
	Description  string
	Status       string
	Source       string
	DiscoveredAt int64
	ExtractedAt  sql.NullInt64
}

type StatusCount struct {
	Status string
	Count  int64
}
