package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const (
	postgresOperationTimeout = 5 * time.Second
	postgresUniqueViolation  = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS relaychat_cards (
		workspace_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (workspace_id, card_id)
	)`,
	`CREATE TABLE IF NOT EXISTS relaychat_messages (
		workspace_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		blob_id TEXT NOT NULL,
		creator TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workspace_id, card_id, message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS relaychat_threads (
		workspace_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		thread_type TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workspace_id, thread_id)
	)`,
	`CREATE TABLE IF NOT EXISTS relaychat_collaborators (
		workspace_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		account TEXT NOT NULL,
		card_type TEXT NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workspace_id, card_id, account)
	)`,
	`CREATE INDEX IF NOT EXISTS relaychat_collaborators_cursor
		ON relaychat_collaborators (workspace_id, card_id, date, account)`,
	`CREATE TABLE IF NOT EXISTS relaychat_card_space_members (
		workspace_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		account TEXT NOT NULL,
		PRIMARY KEY (workspace_id, card_id, account)
	)`,
	`CREATE TABLE IF NOT EXISTS relaychat_labels (
		workspace_id TEXT NOT NULL,
		label_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		card_type TEXT NOT NULL,
		account TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workspace_id, label_id, card_id, account)
	)`,
	`CREATE TABLE IF NOT EXISTS relaychat_notification_contexts (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		account TEXT NOT NULL,
		last_view TIMESTAMPTZ NOT NULL,
		last_update TIMESTAMPTZ NOT NULL,
		last_notify TIMESTAMPTZ NULL,
		UNIQUE (workspace_id, card_id, account)
	)`,
	`CREATE TABLE IF NOT EXISTS relaychat_notifications (
		id TEXT PRIMARY KEY,
		context_id TEXT NOT NULL REFERENCES relaychat_notification_contexts (id) ON DELETE CASCADE,
		workspace_id TEXT NOT NULL,
		account TEXT NOT NULL,
		card_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		blob_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		content JSONB NOT NULL DEFAULT '{}'::jsonb,
		creator TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS relaychat_notifications_context
		ON relaychat_notifications (context_id, created)`,
	`CREATE TABLE IF NOT EXISTS relaychat_peers (
		workspace_id TEXT NOT NULL,
		peer_workspace_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		extra JSONB NOT NULL DEFAULT '{}'::jsonb,
		created TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workspace_id, peer_workspace_id, card_id, kind, value)
	)`,
}

// PostgresAdapter stores the metadata tables in PostgreSQL. Tables are
// created lazily on first use and every row carries the workspace id.
type PostgresAdapter struct {
	dsn       string
	workspace string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresAdapter(dsn, workspace string) (*PostgresAdapter, error) {
	dsn = strings.TrimSpace(dsn)
	workspace = strings.TrimSpace(workspace)
	if dsn == "" || workspace == "" {
		return nil, relaychat.ErrInvalidInput
	}
	return &PostgresAdapter{dsn: dsn, workspace: workspace, openDB: sql.Open}, nil
}

func (p *PostgresAdapter) ensureReady(ctx context.Context) (*sql.DB, error) {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, 4*postgresOperationTimeout)
		defer cancel()
		for _, statement := range postgresSchema {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				p.initErr = fmt.Errorf("create metadata schema: %w", err)
				return
			}
		}
		p.db = db
	})
	return p.db, p.initErr
}

func (p *PostgresAdapter) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return db.ExecContext(ctx, query, args...)
}

// query runs a SELECT and hands each row to scan.
func (p *PostgresAdapter) query(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	db, err := p.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == postgresUniqueViolation
}

type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *whereBuilder) addIf(ok bool, clause string, arg any) {
	if ok {
		w.add(clause, arg)
	}
}

func (w *whereBuilder) addDate(column string, filter *relaychat.DateFilter) {
	if filter == nil {
		return
	}
	w.addIf(filter.Equal != nil, column+" = ?", derefTime(filter.Equal))
	w.addIf(filter.NotEqual != nil, column+" <> ?", derefTime(filter.NotEqual))
	w.addIf(filter.Greater != nil, column+" > ?", derefTime(filter.Greater))
	w.addIf(filter.GreaterOrEqual != nil, column+" >= ?", derefTime(filter.GreaterOrEqual))
	w.addIf(filter.Less != nil, column+" < ?", derefTime(filter.Less))
	w.addIf(filter.LessOrEqual != nil, column+" <= ?", derefTime(filter.LessOrEqual))
}

func (w *whereBuilder) String() string {
	return strings.Join(w.clauses, " AND ")
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func orderAndLimit(column string, params relaychat.FindParams) string {
	direction := "ASC"
	if params.Order == relaychat.Descending {
		direction = "DESC"
	}
	clause := fmt.Sprintf(" ORDER BY %s %s", column, direction)
	if params.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", params.Limit)
	}
	return clause
}

func (p *PostgresAdapter) where() *whereBuilder {
	w := &whereBuilder{}
	w.add("workspace_id = ?", p.workspace)
	return w
}

func (p *PostgresAdapter) CreateMessageMeta(ctx context.Context, meta relaychat.MessageMeta) (bool, error) {
	result, err := p.exec(ctx, `
		INSERT INTO relaychat_messages (workspace_id, card_id, message_id, blob_id, creator, created)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		p.workspace, meta.CardID, meta.MessageID, meta.BlobID, meta.Creator, meta.CreatedOn)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (p *PostgresAdapter) FindMessagesMeta(ctx context.Context, params relaychat.FindMessagesMetaParams) ([]relaychat.MessageMeta, error) {
	w := p.where()
	w.add("card_id = ?", params.CardID)
	w.addIf(params.MessageID != "", "message_id = ?", params.MessageID)
	w.addIf(params.BlobID != "", "blob_id = ?", params.BlobID)
	var out []relaychat.MessageMeta
	err := p.query(ctx, func(rows *sql.Rows) error {
		var meta relaychat.MessageMeta
		if err := rows.Scan(&meta.CardID, &meta.MessageID, &meta.BlobID, &meta.Creator, &meta.CreatedOn); err != nil {
			return err
		}
		out = append(out, meta)
		return nil
	}, "SELECT card_id, message_id, blob_id, creator, created FROM relaychat_messages WHERE "+w.String()+
		orderAndLimit("created, message_id", relaychat.FindParams{Limit: params.Limit}), w.args...)
	return out, err
}

func (p *PostgresAdapter) RemoveMessageMeta(ctx context.Context, cardID, messageID string) error {
	_, err := p.exec(ctx, "DELETE FROM relaychat_messages WHERE workspace_id = $1 AND card_id = $2 AND message_id = $3",
		p.workspace, cardID, messageID)
	return err
}

func (p *PostgresAdapter) RemoveCardMessagesMeta(ctx context.Context, cardID string) error {
	_, err := p.exec(ctx, "DELETE FROM relaychat_messages WHERE workspace_id = $1 AND card_id = $2", p.workspace, cardID)
	return err
}

func (p *PostgresAdapter) AttachThreadMeta(ctx context.Context, thread relaychat.ThreadMeta) error {
	_, err := p.exec(ctx, `
		INSERT INTO relaychat_threads (workspace_id, thread_id, card_id, message_id, thread_type, created)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.workspace, thread.ThreadID, thread.CardID, thread.MessageID, thread.ThreadType, thread.Created)
	if isUniqueViolation(err) {
		return relaychat.ErrConflict
	}
	return err
}

func (p *PostgresAdapter) FindThreadMeta(ctx context.Context, params relaychat.FindThreadsParams) ([]relaychat.ThreadMeta, error) {
	w := p.where()
	w.addIf(params.CardID != "", "card_id = ?", params.CardID)
	w.addIf(params.MessageID != "", "message_id = ?", params.MessageID)
	w.addIf(params.ThreadID != "", "thread_id = ?", params.ThreadID)
	var out []relaychat.ThreadMeta
	err := p.query(ctx, func(rows *sql.Rows) error {
		var thread relaychat.ThreadMeta
		if err := rows.Scan(&thread.CardID, &thread.MessageID, &thread.ThreadID, &thread.ThreadType, &thread.Created); err != nil {
			return err
		}
		out = append(out, thread)
		return nil
	}, "SELECT card_id, message_id, thread_id, thread_type, created FROM relaychat_threads WHERE "+w.String()+
		orderAndLimit("created", params.FindParams), w.args...)
	return out, err
}

func (p *PostgresAdapter) UpdateThreadMeta(ctx context.Context, threadID string, updates relaychat.ThreadUpdates) error {
	if updates.ThreadType == "" {
		return nil
	}
	result, err := p.exec(ctx, "UPDATE relaychat_threads SET thread_type = $3 WHERE workspace_id = $1 AND thread_id = $2",
		p.workspace, threadID, updates.ThreadType)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return relaychat.ErrNotFound
	}
	return nil
}

func (p *PostgresAdapter) RemoveThreadMeta(ctx context.Context, threadID string) error {
	_, err := p.exec(ctx, "DELETE FROM relaychat_threads WHERE workspace_id = $1 AND thread_id = $2", p.workspace, threadID)
	return err
}

func (p *PostgresAdapter) AddCollaborators(ctx context.Context, cardID, cardType string, accounts []string, date time.Time) ([]string, error) {
	if len(accounts) == 0 {
		return nil, nil
	}
	var added []string
	err := p.query(ctx, func(rows *sql.Rows) error {
		var account string
		if err := rows.Scan(&account); err != nil {
			return err
		}
		added = append(added, account)
		return nil
	}, `
		INSERT INTO relaychat_collaborators (workspace_id, card_id, account, card_type, date)
		SELECT $1, $2, account, $3, $4 FROM unnest($5::text[]) AS account WHERE account <> ''
		ON CONFLICT DO NOTHING
		RETURNING account`,
		p.workspace, cardID, cardType, date, pq.Array(accounts))
	return added, err
}

func (p *PostgresAdapter) RemoveCollaborators(ctx context.Context, cardID string, accounts []string) error {
	if accounts == nil {
		_, err := p.exec(ctx, "DELETE FROM relaychat_collaborators WHERE workspace_id = $1 AND card_id = $2", p.workspace, cardID)
		return err
	}
	_, err := p.exec(ctx, "DELETE FROM relaychat_collaborators WHERE workspace_id = $1 AND card_id = $2 AND account = ANY($3)",
		p.workspace, cardID, pq.Array(accounts))
	return err
}

func scanCollaborator(rows *sql.Rows) (relaychat.Collaborator, error) {
	var c relaychat.Collaborator
	err := rows.Scan(&c.CardID, &c.Account, &c.CardType, &c.Date)
	return c, err
}

func (p *PostgresAdapter) FindCollaborators(ctx context.Context, params relaychat.FindCollaboratorsParams) ([]relaychat.Collaborator, error) {
	w := p.where()
	w.addIf(params.CardID != "", "card_id = ?", params.CardID)
	w.addIf(len(params.Account) > 0, "account = ANY(?)", pq.Array(params.Account))
	var out []relaychat.Collaborator
	err := p.query(ctx, func(rows *sql.Rows) error {
		c, err := scanCollaborator(rows)
		out = append(out, c)
		return err
	}, "SELECT card_id, account, card_type, date FROM relaychat_collaborators WHERE "+w.String()+
		orderAndLimit("date, account", params.FindParams), w.args...)
	return out, err
}

func (p *PostgresAdapter) UpdateCollaborators(ctx context.Context, cardID, cardType string) error {
	_, err := p.exec(ctx, "UPDATE relaychat_collaborators SET card_type = $3 WHERE workspace_id = $1 AND card_id = $2",
		p.workspace, cardID, cardType)
	return err
}

func (p *PostgresAdapter) GetCollaboratorsCursor(ctx context.Context, cardID string, until time.Time, batchSize int) CollaboratorsCursor {
	if batchSize <= 0 {
		batchSize = DefaultCollaboratorBatch
	}
	return &postgresCursor{adapter: p, cardID: cardID, until: until, batchSize: batchSize}
}

// postgresCursor walks (date, account) with keyset pagination so concurrent
// inserts never shift pages.
type postgresCursor struct {
	adapter   *PostgresAdapter
	cardID    string
	until     time.Time
	batchSize int
	last      *relaychat.Collaborator
}

func (c *postgresCursor) Next(ctx context.Context) ([]relaychat.Collaborator, error) {
	w := c.adapter.where()
	w.add("card_id = ?", c.cardID)
	w.add("date <= ?", c.until)
	if c.last != nil {
		w.args = append(w.args, c.last.Date, c.last.Account)
		w.clauses = append(w.clauses, fmt.Sprintf("(date, account) > ($%d, $%d)", len(w.args)-1, len(w.args)))
	}
	var batch []relaychat.Collaborator
	err := c.adapter.query(ctx, func(rows *sql.Rows) error {
		collaborator, err := scanCollaborator(rows)
		batch = append(batch, collaborator)
		return err
	}, "SELECT card_id, account, card_type, date FROM relaychat_collaborators WHERE "+w.String()+
		orderAndLimit("date, account", relaychat.FindParams{Limit: c.batchSize}), w.args...)
	if err != nil {
		return nil, err
	}
	if len(batch) > 0 {
		last := batch[len(batch)-1]
		c.last = &last
	}
	return batch, nil
}

func (p *PostgresAdapter) AddCardSpaceMembers(ctx context.Context, cardID string, accounts []string) error {
	if len(accounts) == 0 {
		return nil
	}
	_, err := p.exec(ctx, `
		INSERT INTO relaychat_card_space_members (workspace_id, card_id, account)
		SELECT $1, $2, account FROM unnest($3::text[]) AS account
		ON CONFLICT DO NOTHING`, p.workspace, cardID, pq.Array(accounts))
	return err
}

func (p *PostgresAdapter) GetCardSpaceMembers(ctx context.Context, cardID string) ([]string, error) {
	var members []string
	err := p.query(ctx, func(rows *sql.Rows) error {
		var account string
		if err := rows.Scan(&account); err != nil {
			return err
		}
		members = append(members, account)
		return nil
	}, "SELECT account FROM relaychat_card_space_members WHERE workspace_id = $1 AND card_id = $2 ORDER BY account",
		p.workspace, cardID)
	return members, err
}

func (p *PostgresAdapter) CreateLabel(ctx context.Context, label relaychat.Label) error {
	_, err := p.exec(ctx, `
		INSERT INTO relaychat_labels (workspace_id, label_id, card_id, card_type, account, created)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		p.workspace, label.LabelID, label.CardID, label.CardType, label.Account, label.Created)
	return err
}

func (p *PostgresAdapter) labelsWhere(params relaychat.FindLabelsParams) *whereBuilder {
	w := p.where()
	w.addIf(params.LabelID != "", "label_id = ?", params.LabelID)
	w.addIf(params.CardID != "", "card_id = ?", params.CardID)
	w.addIf(params.CardType != "", "card_type = ?", params.CardType)
	w.addIf(params.Account != "", "account = ?", params.Account)
	return w
}

func (p *PostgresAdapter) RemoveLabels(ctx context.Context, params relaychat.FindLabelsParams) error {
	w := p.labelsWhere(params)
	_, err := p.exec(ctx, "DELETE FROM relaychat_labels WHERE "+w.String(), w.args...)
	return err
}

func (p *PostgresAdapter) FindLabels(ctx context.Context, params relaychat.FindLabelsParams) ([]relaychat.Label, error) {
	w := p.labelsWhere(params)
	var out []relaychat.Label
	err := p.query(ctx, func(rows *sql.Rows) error {
		var label relaychat.Label
		if err := rows.Scan(&label.LabelID, &label.CardID, &label.CardType, &label.Account, &label.Created); err != nil {
			return err
		}
		out = append(out, label)
		return nil
	}, "SELECT label_id, card_id, card_type, account, created FROM relaychat_labels WHERE "+w.String()+
		orderAndLimit("created", params.FindParams), w.args...)
	return out, err
}

func (p *PostgresAdapter) UpdateLabels(ctx context.Context, cardID, cardType string) error {
	_, err := p.exec(ctx, "UPDATE relaychat_labels SET card_type = $3 WHERE workspace_id = $1 AND card_id = $2",
		p.workspace, cardID, cardType)
	return err
}

// GetCardTitle reads relaychat_cards, which the platform keeps in sync with
// its card documents.
func (p *PostgresAdapter) GetCardTitle(ctx context.Context, cardID string) (string, error) {
	var title string
	err := p.query(ctx, func(rows *sql.Rows) error {
		return rows.Scan(&title)
	}, "SELECT title FROM relaychat_cards WHERE workspace_id = $1 AND card_id = $2", p.workspace, cardID)
	return title, err
}

func (p *PostgresAdapter) SetCardTitle(ctx context.Context, cardID, title string) error {
	_, err := p.exec(ctx, `
		INSERT INTO relaychat_cards (workspace_id, card_id, title) VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, card_id) DO UPDATE SET title = EXCLUDED.title`,
		p.workspace, cardID, title)
	return err
}

func (p *PostgresAdapter) CreateNotification(ctx context.Context, n relaychat.Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	content, err := json.Marshal(n.Content)
	if err != nil {
		return "", err
	}
	_, err = p.exec(ctx, `
		INSERT INTO relaychat_notifications
			(id, context_id, workspace_id, account, card_id, message_id, blob_id, type, content, creator, created, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12)`,
		n.ID, n.ContextID, p.workspace, n.Account, n.CardID, n.MessageID, n.BlobID, n.Type, string(content), n.Creator, n.Created, n.Read)
	if isUniqueViolation(err) {
		return "", relaychat.ErrConflict
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return "", relaychat.NotFound("notification context %s not found", n.ContextID)
	}
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

func (p *PostgresAdapter) RemoveNotifications(ctx context.Context, contextID, account string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var removed []string
	err := p.query(ctx, func(rows *sql.Rows) error {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		removed = append(removed, id)
		return nil
	}, `DELETE FROM relaychat_notifications
		WHERE workspace_id = $1 AND context_id = $2 AND account = $3 AND id = ANY($4)
		RETURNING id`, p.workspace, contextID, account, pq.Array(ids))
	return removed, err
}

func (p *PostgresAdapter) UpdateNotification(ctx context.Context, contextID, account string, query relaychat.NotificationQuery, updates relaychat.NotificationUpdates) (int, error) {
	w := p.where()
	w.add("context_id = ?", contextID)
	w.add("account = ?", account)
	w.add("read <> ?", updates.Read)
	w.addIf(query.ID != "", "id = ?", query.ID)
	w.addIf(query.Type != "", "type = ?", query.Type)
	w.addIf(query.UntilDate != nil, "created <= ?", derefTime(query.UntilDate))
	w.args = append(w.args, updates.Read)
	result, err := p.exec(ctx, fmt.Sprintf("UPDATE relaychat_notifications SET read = $%d WHERE %s", len(w.args), w.String()), w.args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (p *PostgresAdapter) FindNotifications(ctx context.Context, params relaychat.FindNotificationsParams) ([]relaychat.Notification, error) {
	w := p.where()
	w.addIf(params.ID != "", "id = ?", params.ID)
	w.addIf(params.ContextID != "", "context_id = ?", params.ContextID)
	w.addIf(params.CardID != "", "card_id = ?", params.CardID)
	w.addIf(params.MessageID != "", "message_id = ?", params.MessageID)
	w.addIf(params.Type != "", "type = ?", params.Type)
	w.addIf(params.Creator != "", "creator = ?", params.Creator)
	w.addIf(params.Read != nil, "read = ?", params.Read != nil && *params.Read)
	w.addIf(len(params.Account) > 0, "account = ANY(?)", pq.Array(params.Account))
	w.addDate("created", params.Created)

	var out []relaychat.Notification
	err := p.query(ctx, func(rows *sql.Rows) error {
		var n relaychat.Notification
		var content []byte
		if err := rows.Scan(&n.ID, &n.ContextID, &n.Account, &n.CardID, &n.MessageID, &n.BlobID, &n.Type, &content, &n.Creator, &n.Created, &n.Read); err != nil {
			return err
		}
		if err := json.Unmarshal(content, &n.Content); err != nil {
			return err
		}
		out = append(out, n)
		return nil
	}, `SELECT id, context_id, account, card_id, message_id, blob_id, type, content, creator, created, read
		FROM relaychat_notifications WHERE `+w.String()+orderAndLimit("created", params.FindParams), w.args...)
	return out, err
}

func (p *PostgresAdapter) CreateContext(ctx context.Context, nc relaychat.NotificationContext) (string, error) {
	if nc.ID == "" {
		nc.ID = uuid.NewString()
	}
	_, err := p.exec(ctx, `
		INSERT INTO relaychat_notification_contexts (id, workspace_id, card_id, account, last_view, last_update, last_notify)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		nc.ID, p.workspace, nc.CardID, nc.Account, nc.LastView, nc.LastUpdate, nullTime(nc.LastNotify))
	if isUniqueViolation(err) {
		return "", relaychat.ErrConflict
	}
	if err != nil {
		return "", err
	}
	return nc.ID, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PostgresAdapter) RemoveContext(ctx context.Context, contextID, account string) (string, error) {
	var removed string
	err := p.query(ctx, func(rows *sql.Rows) error {
		return rows.Scan(&removed)
	}, "DELETE FROM relaychat_notification_contexts WHERE workspace_id = $1 AND id = $2 AND account = $3 RETURNING id",
		p.workspace, contextID, account)
	return removed, err
}

func (p *PostgresAdapter) UpdateContext(ctx context.Context, contextID, account string, updates relaychat.NotificationContextUpdates) error {
	result, err := p.exec(ctx, `
		UPDATE relaychat_notification_contexts SET
			last_view = GREATEST(last_view, COALESCE($4, last_view)),
			last_update = GREATEST(last_update, COALESCE($5, last_update)),
			last_notify = COALESCE($6, last_notify)
		WHERE workspace_id = $1 AND id = $2 AND account = $3`,
		p.workspace, contextID, account, nullTime(updates.LastView), nullTime(updates.LastUpdate), nullTime(updates.LastNotify))
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return relaychat.ErrNotFound
	}
	return nil
}

func (p *PostgresAdapter) FindNotificationContexts(ctx context.Context, params relaychat.FindNotificationContextParams) ([]relaychat.NotificationContext, error) {
	w := p.where()
	w.addIf(params.ID != "", "id = ?", params.ID)
	w.addIf(params.CardID != "", "card_id = ?", params.CardID)
	w.addIf(len(params.Cards) > 0, "card_id = ANY(?)", pq.Array(params.Cards))
	w.addIf(len(params.Account) > 0, "account = ANY(?)", pq.Array(params.Account))
	w.addDate("last_update", params.LastUpdate)
	if params.LastNotify != nil {
		w.clauses = append(w.clauses, "last_notify IS NOT NULL")
		w.addDate("last_notify", params.LastNotify)
	}

	var out []relaychat.NotificationContext
	err := p.query(ctx, func(rows *sql.Rows) error {
		var nc relaychat.NotificationContext
		var lastNotify sql.NullTime
		if err := rows.Scan(&nc.ID, &nc.CardID, &nc.Account, &nc.LastView, &nc.LastUpdate, &lastNotify); err != nil {
			return err
		}
		if lastNotify.Valid {
			nc.LastNotify = &lastNotify.Time
		}
		out = append(out, nc)
		return nil
	}, `SELECT id, card_id, account, last_view, last_update, last_notify
		FROM relaychat_notification_contexts WHERE `+w.String()+orderAndLimit("last_update", params.FindParams), w.args...)
	if err != nil || params.Notifications == nil {
		return out, err
	}
	for i := range out {
		notifications, err := p.FindNotifications(ctx, relaychat.FindNotificationsParams{
			FindParams: relaychat.FindParams{Order: params.Notifications.Order, Limit: params.Notifications.Limit},
			ContextID:  out[i].ID,
			Read:       params.Notifications.Read,
		})
		if err != nil {
			return nil, err
		}
		out[i].Notifications = notifications
	}
	return out, nil
}

func (p *PostgresAdapter) CreatePeer(ctx context.Context, peer relaychat.Peer) error {
	extra, err := json.Marshal(peer.Extra)
	if err != nil {
		return err
	}
	if peer.Extra == nil {
		extra = []byte("{}")
	}
	_, err = p.exec(ctx, `
		INSERT INTO relaychat_peers (workspace_id, peer_workspace_id, card_id, kind, value, extra, created)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (workspace_id, peer_workspace_id, card_id, kind, value)
		DO UPDATE SET extra = EXCLUDED.extra`,
		p.workspace, peer.WorkspaceID, peer.CardID, peer.Kind, peer.Value, string(extra), peer.Created)
	return err
}

func (p *PostgresAdapter) RemovePeer(ctx context.Context, workspaceID, cardID, kind, value string) error {
	_, err := p.exec(ctx, `DELETE FROM relaychat_peers
		WHERE workspace_id = $1 AND peer_workspace_id = $2 AND card_id = $3 AND kind = $4 AND value = $5`,
		p.workspace, workspaceID, cardID, kind, value)
	return err
}

func (p *PostgresAdapter) FindPeers(ctx context.Context, params relaychat.FindPeersParams) ([]relaychat.Peer, error) {
	w := p.where()
	w.addIf(params.WorkspaceID != "", "peer_workspace_id = ?", params.WorkspaceID)
	w.addIf(params.CardID != "", "card_id = ?", params.CardID)
	w.addIf(params.Kind != "", "kind = ?", params.Kind)
	w.addIf(params.Value != "", "value = ?", params.Value)
	var out []relaychat.Peer
	err := p.query(ctx, func(rows *sql.Rows) error {
		var peer relaychat.Peer
		var extra []byte
		if err := rows.Scan(&peer.WorkspaceID, &peer.CardID, &peer.Kind, &peer.Value, &extra, &peer.Created); err != nil {
			return err
		}
		if err := json.Unmarshal(extra, &peer.Extra); err != nil {
			return err
		}
		out = append(out, peer)
		return nil
	}, "SELECT peer_workspace_id, card_id, kind, value, extra, created FROM relaychat_peers WHERE "+w.String()+
		orderAndLimit("created", params.FindParams), w.args...)
	return out, err
}

func (p *PostgresAdapter) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
