package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) CreateTicket(ctx context.Context, ticket Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, user_id, estate_id, subject, status, priority)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ticket.ID, ticket.UserID, ticket.EstateID, ticket.Subject, ticket.Status, ticket.Priority)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTicket(ctx context.Context, ticketID string) (Ticket, error) {
	const query = `
		SELECT t.id, t.user_id, t.estate_id, t.subject, t.status, t.priority, t.created_at, t.updated_at,
		       u.display_name, u.email
		FROM tickets t
		JOIN users u ON u.id = t.user_id
		WHERE t.id=$1
	`
	var ticket Ticket
	err := s.db.QueryRowContext(ctx, query, ticketID).Scan(
		&ticket.ID,
		&ticket.UserID,
		&ticket.EstateID,
		&ticket.Subject,
		&ticket.Status,
		&ticket.Priority,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.UserName,
		&ticket.UserEmail,
	)
	if err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

// ListTickets returns the caller's own tickets, or every ticket when
// userID is empty (platform admin view).
func (s *PostgresStore) ListTickets(ctx context.Context, userID string) ([]Ticket, error) {
	query := `
		SELECT t.id, t.user_id, t.estate_id, t.subject, t.status, t.priority, t.created_at, t.updated_at,
		       u.display_name, u.email
		FROM tickets t
		JOIN users u ON u.id = t.user_id
	`
	args := []any{}
	if userID != "" {
		query += ` WHERE t.user_id=$1`
		args = append(args, userID)
	}
	query += ` ORDER BY t.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	items := make([]Ticket, 0)
	for rows.Next() {
		var item Ticket
		if err := rows.Scan(
			&item.ID,
			&item.UserID,
			&item.EstateID,
			&item.Subject,
			&item.Status,
			&item.Priority,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.UserName,
			&item.UserEmail,
		); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateTicketStatus(ctx context.Context, ticketID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET status=$2, updated_at=NOW()
		WHERE id=$1
	`, ticketID, status)
	if err != nil {
		return false, fmt.Errorf("update ticket status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update ticket status rows: %w", err)
	}
	return affected > 0, nil
}

// InsertTicketMessage appends a message and bumps the ticket's updated_at
// in one transaction so list ordering follows the latest activity.
func (s *PostgresStore) InsertTicketMessage(ctx context.Context, message TicketMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ticket message: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ticket_messages (id, ticket_id, author_id, author_name, body, is_staff, is_auto)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, message.ID, message.TicketID, message.AuthorID, message.AuthorName, message.Body, message.IsStaff, message.IsAuto)
	if err != nil {
		return fmt.Errorf("insert ticket message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE tickets SET updated_at=NOW() WHERE id=$1`, message.TicketID)
	if err != nil {
		return fmt.Errorf("touch ticket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ticket message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTicketMessages(ctx context.Context, ticketID string) ([]TicketMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, author_id, author_name, body, is_staff, is_auto, created_at
		FROM ticket_messages
		WHERE ticket_id=$1
		ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list ticket messages: %w", err)
	}
	defer rows.Close()

	items := make([]TicketMessage, 0)
	for rows.Next() {
		var item TicketMessage
		if err := rows.Scan(
			&item.ID,
			&item.TicketID,
			&item.AuthorID,
			&item.AuthorName,
			&item.Body,
			&item.IsStaff,
			&item.IsAuto,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ticket message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket messages: %w", err)
	}
	return items, nil
}
