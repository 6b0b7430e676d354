package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
	"github.com/spec-kit/feishu-ticket-bot/internal/retry"
)

// TicketRepository encapsulates durable ticket records. Lookups that find
// nothing return pgx.ErrNoRows regardless of the backing store.
type TicketRepository interface {
	// Create inserts the ticket unless one with the same id or draft id
	// exists. created is false when the insert was a no-op.
	Create(ctx context.Context, ticket *domain.Ticket) (created bool, err error)
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	GetByDraftID(ctx context.Context, draftID string) (*domain.Ticket, error)
	// ListByOwner returns the owner's tickets, most recent first.
	ListByOwner(ctx context.Context, ownerUserID string, limit int) ([]domain.Ticket, error)
	UpdateStatus(ctx context.Context, id string, status domain.TicketStatus, syncedAt time.Time) error
	// SetGroupChat links a group chat only when none is linked yet.
	SetGroupChat(ctx context.Context, id, groupChatID string) (bool, error)
}

type ticketRepository struct {
	pool   *pgxpool.Pool
	policy retry.Policy
}

// NewTicketRepository instantiates repository. Every statement is
// idempotent and re-attempted under policy; missing rows are not retried.
func NewTicketRepository(pool *pgxpool.Pool, policy retry.Policy) TicketRepository {
	return &ticketRepository{
		pool: pool,
		policy: policy.WithRetryable(func(err error) bool {
			return !errors.Is(err, pgx.ErrNoRows)
		}),
	}
}

const ticketColumns = `id, display_id, draft_id, title, service_type, severity, status,
               owner_user_id, chat_id, group_chat_id, created_at, last_synced_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) (bool, error) {
	const query = `
        INSERT INTO tickets (id, display_id, draft_id, title, service_type, severity, status,
                             owner_user_id, chat_id, group_chat_id, created_at, last_synced_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT DO NOTHING
        RETURNING created_at`
	err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		return r.pool.QueryRow(ctx, query,
			ticket.ID,
			ticket.DisplayID,
			ticket.DraftID,
			ticket.Title,
			ticket.ServiceType,
			ticket.Severity,
			ticket.Status,
			ticket.OwnerUserID,
			ticket.ChatID,
			ticket.GroupChatID,
			ticket.CreatedAt,
			ticket.LastSyncedAt,
		).Scan(&ticket.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	return r.fetchSingle(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1`, id)
}

func (r *ticketRepository) GetByDraftID(ctx context.Context, draftID string) (*domain.Ticket, error) {
	return r.fetchSingle(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE draft_id=$1`, draftID)
}

func (r *ticketRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		ticket, err = scanTicket(r.pool.QueryRow(ctx, query, arg))
		return err
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

func (r *ticketRepository) ListByOwner(ctx context.Context, ownerUserID string, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `SELECT ` + ticketColumns + `
        FROM tickets WHERE owner_user_id=$1
        ORDER BY created_at DESC LIMIT $2`
	var result []domain.Ticket
	err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		result = result[:0]
		rows, err := r.pool.Query(ctx, query, ownerUserID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			ticket, err := scanTicket(rows)
			if err != nil {
				return err
			}
			result = append(result, *ticket)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ticketRepository) UpdateStatus(ctx context.Context, id string, status domain.TicketStatus, syncedAt time.Time) error {
	const query = `UPDATE tickets SET status=$1, last_synced_at=$2 WHERE id=$3`
	return r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		cmd, err := r.pool.Exec(ctx, query, status, syncedAt, id)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

func (r *ticketRepository) SetGroupChat(ctx context.Context, id, groupChatID string) (bool, error) {
	const query = `UPDATE tickets SET group_chat_id=$1 WHERE id=$2 AND group_chat_id IS NULL`
	var linked bool
	err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		cmd, err := r.pool.Exec(ctx, query, groupChatID, id)
		if err != nil {
			return err
		}
		linked = cmd.RowsAffected() == 1
		return nil
	})
	return linked, err
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.DisplayID,
		&ticket.DraftID,
		&ticket.Title,
		&ticket.ServiceType,
		&ticket.Severity,
		&ticket.Status,
		&ticket.OwnerUserID,
		&ticket.ChatID,
		&ticket.GroupChatID,
		&ticket.CreatedAt,
		&ticket.LastSyncedAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}
