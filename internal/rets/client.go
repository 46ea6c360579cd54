package rets

import (
	"context"
	"log/slog"
)

// Client pairs a Session with the parsers so callers deal in rows and records
// instead of raw replies.
type Client struct {
	session *Session
	objects *ObjectParser
	logger  *slog.Logger
}

// NewClient wraps session.
func NewClient(session *Session, logger *slog.Logger) *Client {
	return &Client{
		session: session,
		objects: NewObjectParser(logger),
		logger:  logger,
	}
}

func (c *Client) Login(ctx context.Context) error {
	return c.session.Login(ctx)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// LookupValues fetches and parses one lookup table.
func (c *Client) LookupValues(ctx context.Context, resource, lookupName string) ([]Row, error) {
	resp, err := c.session.GetLookupValues(ctx, resource, lookupName)
	if err != nil {
		return nil, err
	}
	return ParseLookup(resp.Body)
}

// Search fetches one page. A "no records found" reply is an empty page, not an error.
func (c *Client) Search(ctx context.Context, resource, class, query string, opts SearchOptions) (*SearchResult, error) {
	resp, err := c.session.Search(ctx, resource, class, query, opts)
	if err != nil {
		return nil, err
	}

	result, err := ParseSearch(resp.Body)
	if IsNoRecords(err) {
		return &SearchResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	if result.Malformed > 0 {
		c.logger.Warn("search page contained malformed rows", "malformed", result.Malformed, "offset", opts.Offset)
	}
	return result, nil
}

// GetObjects fetches the objects of ids. A "no object found" reply yields no records.
func (c *Client) GetObjects(ctx context.Context, resource, objectType string, ids []string) ([]ObjectRecord, error) {
	resp, err := c.session.GetObject(ctx, resource, objectType, ids, false)
	if err != nil {
		return nil, err
	}

	records, err := c.objects.ParseObjects(resp)
	if IsNoObject(err) {
		return nil, nil
	}
	return records, err
}
