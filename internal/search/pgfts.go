package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a
// fallback. It covers vault item names and ticket subjects; message
// bodies are only searchable through Meilisearch.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across vault_items and tickets using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "v.fts @@ " + tsQuery + " AND v.deleted_at IS NULL"
		if q.FilterEstateID != "" {
			docWhere += fmt.Sprintf(" AND v.estate_id = $%d", argN)
			args = append(args, q.FilterEstateID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, v.id, v.name AS title,
				ts_headline('english', coalesce(v.category, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				v.estate_id,
				ts_rank(v.fts, %s) AS rank
			FROM vault_items v
			WHERE %s`, tsQuery, tsQuery, docWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultTicket {
		ticketWhere := "t.fts @@ " + tsQuery
		if q.FilterEstateID != "" {
			ticketWhere += fmt.Sprintf(" AND t.estate_id = $%d", argN)
			args = append(args, q.FilterEstateID)
			argN++
		}
		if q.FilterUserID != "" {
			ticketWhere += fmt.Sprintf(" AND t.user_id = $%d", argN)
			args = append(args, q.FilterUserID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'ticket'::text AS type, t.id, t.subject AS title,
				ts_headline('english', t.subject, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.estate_id,
				ts_rank(t.fts, %s) AS rank
			FROM tickets t
			WHERE %s`, tsQuery, tsQuery, ticketWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, estate_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.EstateID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
// Ticket bodies are aggregated from their messages so Meilisearch can
// match text the fallback cannot.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []TicketRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, category, mime_type, estate_id
		FROM vault_items
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load vault items: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Name, &d.Category, &d.MimeType, &d.EstateID); err != nil {
			return nil, nil, fmt.Errorf("scan vault item: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate vault items: %w", err)
	}

	ticketRows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.subject, coalesce(string_agg(m.body, ' ' ORDER BY m.created_at), ''),
			t.status, t.estate_id, t.user_id
		FROM tickets t
		LEFT JOIN ticket_messages m ON m.ticket_id = t.id
		GROUP BY t.id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tickets: %w", err)
	}
	defer ticketRows.Close()

	tickets := make([]TicketRecord, 0)
	for ticketRows.Next() {
		var t TicketRecord
		if err := ticketRows.Scan(&t.ID, &t.Subject, &t.Body, &t.Status, &t.EstateID, &t.UserID); err != nil {
			return nil, nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := ticketRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tickets: %w", err)
	}

	return documents, tickets, nil
}
