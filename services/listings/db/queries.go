package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const noteDiscovered = `
INSERT INTO listings (url, status, discovered_at)
VALUES (?, ?, ?)
ON CONFLICT (url) DO NOTHING
`

type NoteDiscoveredParams struct {
	Url          string
	Status       string
	DiscoveredAt int64
}

func (q *Queries) NoteDiscovered(ctx context.Context, arg NoteDiscoveredParams) error {
	_, err := q.db.ExecContext(ctx, noteDiscovered, arg.Url, arg.Status, arg.DiscoveredAt)
	return err
}

const getListing = `
SELECT url, title, price, location, description, status, source, discovered_at, extracted_at
FROM listings
WHERE url = ?
`

func (q *Queries) GetListing(ctx context.Context, url string) (Listing, error) {
	row := q.db.QueryRowContext(ctx, getListing, url)
	var i Listing
	err := row.Scan(
		&i.Url,
		&i.Title,
		&i.Price,
		&i.Location,
		&i.Description,
		&i.Status,
		&i.Source,
		&i.DiscoveredAt,
		&i.ExtractedAt,
	)
	return i, err
}

const getListingsByStatus = `
SELECT url, title, price, location, description, status, source, discovered_at, extracted_at
FROM listings
WHERE status = ?
ORDER BY url
`

func (q *Queries) GetListingsByStatus(ctx context.Context, status string) ([]Listing, error) {
	rows, err := q.db.QueryContext(ctx, getListingsByStatus, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Listing
	for rows.Next() {
		var i Listing
		err := rows.Scan(
			&i.Url,
			&i.Title,
			&i.Price,
			&i.Location,
			&i.Description,
			&i.Status,
			&i.Source,
			&i.DiscoveredAt,
			&i.ExtractedAt,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const saveExtracted = `
UPDATE listings
SET title = ?,
    price = ?,
    location = ?,
    description = ?,
    status = ?,
    source = ?,
    extracted_at = ?
WHERE url = ?
`

type SaveExtractedParams struct {
	Title       string
	Price       string
	Location    string
	Description string
	Status      string
	Source      string
	ExtractedAt sql.NullInt64
	Url         string
}

func (q *Queries) SaveExtracted(ctx context.Context, arg SaveExtractedParams) error {
	_, err := q.db.ExecContext(ctx, saveExtracted,
		arg.Title,
		arg.Price,
		arg.Location,
		arg.Description,
		arg.Status,
		arg.Source,
		arg.ExtractedAt,
		arg.Url,
	)
	return err
}

const markMissing = `
UPDATE listings
SET status = ?,
    extracted_at = ?
WHERE url = ?
`

type MarkMissingParams struct {
	Status      string
	ExtractedAt sql.NullInt64
	Url         string
}

func (q *Queries) MarkMissing(ctx context.Context, arg MarkMissingParams) error {
	_, err := q.db.ExecContext(ctx, markMissing, arg.Status, arg.ExtractedAt, arg.Url)
	return err
}

const countByStatus = `
SELECT status, COUNT(*) AS count
FROM listings
GROUP BY status
ORDER BY status
`

func (q *Queries) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := q.db.QueryContext(ctx, countByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []StatusCount
	for rows.Next() {
		var i StatusCount
		err := rows.Scan(&i.Status, &i.Count)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countListings = `
SELECT COUNT(*) FROM listings
`

func (q *Queries) CountListings(ctx context.Context) (int64, error) {
	row := q.db.QueryRowContext(ctx, countListings)
	var count int64
	err := row.Scan(&count)
	return count, err
}
