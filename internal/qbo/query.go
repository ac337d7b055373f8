package qbo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
)

// pageSize bounds one page of the external query language.
const pageSize = 1000

// QueryAll runs a paged query for one entity name, accumulating pages until a
// short page. Ordering is not assumed; zero results yield an empty slice.
func (c *Client) QueryAll(ctx context.Context, conn *mirror.Connection, entity, where string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	startPos := 1
	for {
		stmt := "SELECT * FROM " + entity
		if where != "" {
			stmt += " WHERE " + where
		}
		stmt += fmt.Sprintf(" STARTPOSITION %d MAXRESULTS %d", startPos, pageSize)

		path := fmt.Sprintf("/v3/company/%s/query?query=%s", conn.RealmID, url.QueryEscape(stmt))
		body, err := c.Call(ctx, conn, http.MethodGet, path, nil)
		if err != nil {
			return all, err
		}

		var envelope struct {
			QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return all, fmt.Errorf("qbo: query %s: decode: %w", entity, err)
		}

		var page []json.RawMessage
		if raw, ok := envelope.QueryResponse[entity]; ok {
			if err := json.Unmarshal(raw, &page); err != nil {
				return all, fmt.Errorf("qbo: query %s: decode page: %w", entity, err)
			}
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		startPos += pageSize
	}
}

// CDCEntry is one entity list from the change feed. Deleted or voided records
// carry a status marker instead of a full payload.
type CDCEntry struct {
	Entity string
	Items  []json.RawMessage
}

// ChangedRecord is the minimal shape of a change-feed item.
type ChangedRecord struct {
	ID     string `json:"Id"`
	Status string `json:"status"`
}

// CDCQuery fetches the change feed for the given entities since a timestamp.
func (c *Client) CDCQuery(ctx context.Context, conn *mirror.Connection, entities []string, since time.Time) ([]CDCEntry, error) {
	path := fmt.Sprintf("/v3/company/%s/cdc?entities=%s&changedSince=%s",
		conn.RealmID,
		url.QueryEscape(strings.Join(entities, ",")),
		url.QueryEscape(since.UTC().Format(time.RFC3339)))

	body, err := c.Call(ctx, conn, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		CDCResponse []struct {
			QueryResponse []map[string]json.RawMessage `json:"QueryResponse"`
		} `json:"CDCResponse"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("qbo: cdc decode: %w", err)
	}

	var out []CDCEntry
	for _, resp := range envelope.CDCResponse {
		for _, qr := range resp.QueryResponse {
			for key, raw := range qr {
				if key == "startPosition" || key == "maxResults" || key == "totalCount" {
					continue
				}
				var items []json.RawMessage
				if err := json.Unmarshal(raw, &items); err != nil {
					continue
				}
				out = append(out, CDCEntry{Entity: key, Items: items})
			}
		}
	}
	return out, nil
}

// ReportCol is one cell of a report row.
type ReportCol struct {
	Value string `json:"value"`
	ID    string `json:"id"`
}

// ReportRow is one row of a report, possibly nested.
type ReportRow struct {
	Type    string      `json:"type"`
	Group   string      `json:"group"`
	ColData []ReportCol `json:"ColData"`
	Summary *struct {
		ColData []ReportCol `json:"ColData"`
	} `json:"Summary"`
	Rows *ReportRows `json:"Rows"`
}

// ReportRows wraps the row list of a report or section.
type ReportRows struct {
	Row []ReportRow `json:"Row"`
}

// Report is the generic report envelope returned by the reports endpoint.
type Report struct {
	Header struct {
		ReportName string `json:"ReportName"`
		Currency   string `json:"Currency"`
	} `json:"Header"`
	Rows ReportRows `json:"Rows"`
}

// FetchReport runs one report-style bulk query.
func (c *Client) FetchReport(ctx context.Context, conn *mirror.Connection, name string, params url.Values) (*Report, error) {
	path := fmt.Sprintf("/v3/company/%s/reports/%s", conn.RealmID, name)
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	body, err := c.Call(ctx, conn, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("qbo: report %s: decode: %w", name, err)
	}
	return &report, nil
}

// DataRows flattens a report to its leaf data rows.
func (r *Report) DataRows() []ReportRow {
	var out []ReportRow
	var walk func(rows ReportRows)
	walk = func(rows ReportRows) {
		for _, row := range rows.Row {
			if row.Rows != nil {
				walk(*row.Rows)
				continue
			}
			if row.Type == "" || row.Type == "Data" {
				out = append(out, row)
			}
		}
	}
	walk(r.Rows)
	return out
}
