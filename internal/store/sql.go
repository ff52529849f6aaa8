package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SwitchbackTech/compass-sub004/internal/model"
	"github.com/SwitchbackTech/compass-sub004/internal/syncerr"
)

const (
	defaultTablePrefix  = "calsync_"
	sqlOperationTimeout = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// dialect captures the differences between the SQL backends.
type dialect struct {
	driver string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
	// configure runs once after the pool is opened.
	configure func(*sql.DB)
}

// sqlStore implements Backend over database/sql. Queries are written with ?
// placeholders and rebound for the dialect.
type sqlStore struct {
	dsn     string
	dialect dialect
	prefix  string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dsn string, d dialect) *sqlStore {
	return &sqlStore{
		dsn:     dsn,
		dialect: d,
		prefix:  defaultTablePrefix,
		openDB:  sql.Open,
	}
}

func (s *sqlStore) table(name string) string {
	return quoteIdentifier(s.prefix + name)
}

// q expands {users}, {syncs} and {events} table markers and rebinds
// placeholders.
func (s *sqlStore) q(query string) string {
	query = strings.NewReplacer(
		"{users}", s.table("users"),
		"{syncs}", s.table("event_syncs"),
		"{events}", s.table("events"),
		"{syncs_resource_idx}", quoteIdentifier(s.prefix+"event_syncs_resource_idx"),
		"{syncs_channel_idx}", quoteIdentifier(s.prefix+"event_syncs_channel_idx"),
		"{events_parent_idx}", quoteIdentifier(s.prefix+"events_parent_idx"),
		"{events_calendar_idx}", quoteIdentifier(s.prefix+"events_calendar_idx"),
	).Replace(query)
	if s.dialect.numbered {
		query = rebind(query)
	}
	return query
}

// rebind rewrites ? placeholders as $1, $2, ... skipping quoted strings.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS {users} (
		user_id TEXT PRIMARY KEY,
		calendar_list_id TEXT NOT NULL DEFAULT '',
		calendar_list_token TEXT NOT NULL DEFAULT '',
		calendar_list_synced_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS {syncs} (
		user_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		channel_expiration TEXT NOT NULL DEFAULT '',
		sync_token TEXT NOT NULL DEFAULT '',
		last_synced_at TEXT NOT NULL DEFAULT '',
		last_refreshed_at TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, calendar_id)
	)`,
	`CREATE INDEX IF NOT EXISTS {syncs_resource_idx} ON {syncs} (resource_id)`,
	`CREATE INDEX IF NOT EXISTS {syncs_channel_idx} ON {syncs} (channel_id)`,
	`CREATE TABLE IF NOT EXISTS {events} (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL,
		parent_external_id TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		all_day INTEGER NOT NULL DEFAULT 0,
		start_at TEXT NOT NULL DEFAULT '',
		end_at TEXT NOT NULL DEFAULT '',
		original_start TEXT NOT NULL DEFAULT '',
		has_recurrence INTEGER NOT NULL DEFAULT 0,
		recurrence_rule TEXT NOT NULL DEFAULT '',
		recurrence_event_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		UNIQUE (user_id, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS {events_parent_idx} ON {events} (user_id, parent_external_id)`,
	`CREATE INDEX IF NOT EXISTS {events_calendar_idx} ON {events} (user_id, calendar_id)`,
}

func (s *sqlStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.configure != nil {
			s.dialect.configure(db)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range schemaStatements {
			if _, err := db.ExecContext(ctx, s.q(stmt)); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Find(ctx context.Context, q SyncQuery) (*model.SyncRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	userID := q.UserID
	switch q.kind {
	case queryByResource:
		err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id FROM {syncs} WHERE resource_id = ? ORDER BY user_id LIMIT 1`), q.ResourceID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
	case queryByChannel:
		err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id FROM {syncs} WHERE channel_id = ? ORDER BY user_id LIMIT 1`), q.ChannelID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
	}

	rec, err := s.loadRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !q.matches(rec) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *sqlStore) loadRecord(ctx context.Context, userID string) (*model.SyncRecord, error) {
	rec := &model.SyncRecord{UserID: userID}
	var clSynced string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT calendar_list_id, calendar_list_token, calendar_list_synced_at FROM {users} WHERE user_id = ?`),
		userID,
	).Scan(&rec.CalendarList.CalendarID, &rec.CalendarList.SyncToken, &clSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CalendarList.LastSyncedAt = parseTime(clSynced)

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT calendar_id, resource_id, channel_id, channel_expiration, sync_token, last_synced_at, last_refreshed_at
		FROM {syncs} WHERE user_id = ? ORDER BY calendar_id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var es model.EventSync
		var exp, synced, refreshed string
		if err := rows.Scan(&es.CalendarID, &es.ResourceID, &es.ChannelID, &exp, &es.SyncToken, &synced, &refreshed); err != nil {
			return nil, err
		}
		es.ChannelExpiration = parseTime(exp)
		es.LastSyncedAt = parseTime(synced)
		es.LastRefreshedAt = parseTime(refreshed)
		rec.EventSyncs = append(rec.EventSyncs, es)
	}
	return rec, rows.Err()
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT user_id FROM {users} ORDER BY user_id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) ensureEntry(ctx context.Context, ex execer, userID, calendarID string) error {
	if _, err := ex.ExecContext(ctx, s.q(`INSERT INTO {users} (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING`), userID); err != nil {
		return err
	}
	if calendarID == "" {
		return nil
	}
	_, err := ex.ExecContext(ctx, s.q(`INSERT INTO {syncs} (user_id, calendar_id) VALUES (?, ?) ON CONFLICT (user_id, calendar_id) DO NOTHING`), userID, calendarID)
	return err
}

// withTx runs fn in a transaction, committing on success.
func (s *sqlStore) withTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) SaveWatch(ctx context.Context, userID string, es model.EventSync) error {
	if userID == "" || es.CalendarID == "" {
		return ErrInvalidInput
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.ensureEntry(ctx, tx, userID, es.CalendarID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
			UPDATE {syncs}
			SET resource_id = ?, channel_id = ?, channel_expiration = ?, last_refreshed_at = ?
			WHERE user_id = ? AND calendar_id = ?`),
			es.ResourceID, es.ChannelID, formatTime(es.ChannelExpiration), formatTime(es.LastRefreshedAt),
			userID, es.CalendarID)
		return err
	})
}

func (s *sqlStore) SetSyncToken(ctx context.Context, userID, calendarID, token string, syncedAt time.Time) error {
	if userID == "" || calendarID == "" {
		return ErrInvalidInput
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.ensureEntry(ctx, tx, userID, calendarID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`UPDATE {syncs} SET sync_token = ?, last_synced_at = ? WHERE user_id = ? AND calendar_id = ?`),
			token, formatTime(syncedAt), userID, calendarID)
		return err
	})
}

func (s *sqlStore) CompareAndSwapSyncToken(ctx context.Context, userID, calendarID, expected, next string, syncedAt time.Time) error {
	if userID == "" || calendarID == "" {
		return ErrInvalidInput
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.ensureEntry(ctx, tx, userID, calendarID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE {syncs} SET sync_token = ?, last_synced_at = ?
			WHERE user_id = ? AND calendar_id = ? AND sync_token = ?`),
			next, formatTime(syncedAt), userID, calendarID, expected)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return syncerr.New(syncerr.KindTokenConflict, "compare and swap sync token", nil)
		}
		return nil
	})
}

func (s *sqlStore) SetCalendarList(ctx context.Context, userID string, cl model.CalendarListSync) error {
	if userID == "" {
		return ErrInvalidInput
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.ensureEntry(ctx, tx, userID, ""); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
			UPDATE {users} SET calendar_list_id = ?, calendar_list_token = ?, calendar_list_synced_at = ?
			WHERE user_id = ?`),
			cl.CalendarID, cl.SyncToken, formatTime(cl.LastSyncedAt), userID)
		return err
	})
}

func (s *sqlStore) Delete(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM {syncs} WHERE user_id = ?`), userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM {users} WHERE user_id = ?`), userID)
		return err
	})
}

const eventColumns = `id, user_id, calendar_id, external_id, parent_external_id, summary, description, location, status,
	all_day, start_at, end_at, original_start, has_recurrence, recurrence_rule, recurrence_event_id, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.EventRecord, error) {
	var (
		rec                                  model.EventRecord
		allDay, hasRec                       int
		start, end, orig, rule, recID, updAt string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.CalendarID, &rec.ExternalID, &rec.ParentExternalID,
		&rec.Summary, &rec.Description, &rec.Location, &rec.Status,
		&allDay, &start, &end, &orig, &hasRec, &rule, &recID, &updAt); err != nil {
		return nil, err
	}
	rec.AllDay = allDay != 0
	rec.Start = parseTime(start)
	rec.End = parseTime(end)
	rec.OriginalStart = parseTime(orig)
	rec.Updated = parseTime(updAt)
	if hasRec != 0 {
		r := &model.Recurrence{EventID: recID}
		if rule != "" {
			r.Rule = strings.Split(rule, "\n")
		}
		rec.Recurrence = r
	}
	return &rec, nil
}

func (s *sqlStore) FindByExternalIDs(ctx context.Context, userID string, externalIDs []string) (map[string]*model.EventRecord, error) {
	out := make(map[string]*model.EventRecord)
	if len(externalIDs) == 0 {
		return out, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	for _, chunk := range chunkStrings(externalIDs, 500) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, userID)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := s.q(`SELECT ` + eventColumns + ` FROM {events} WHERE user_id = ? AND external_id IN (` + placeholders(len(chunk)) + `)`)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			rec, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[rec.ExternalID] = rec
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BulkUpsert writes every record in one transaction, isolating each record
// behind a savepoint so a failing row is rolled back alone.
func (s *sqlStore) BulkUpsert(ctx context.Context, records []*model.EventRecord) (UpsertResult, error) {
	var res UpsertResult
	if len(records) == 0 {
		return res, nil
	}
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for i, rec := range records {
			if rec == nil {
				continue
			}
			if rec.UserID == "" || rec.ExternalID == "" {
				res.Failures = append(res.Failures, UpsertFailure{ExternalID: rec.ExternalID, Err: ErrInvalidInput})
				continue
			}
			sp := "calsync_upsert_" + strconv.Itoa(i)
			if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
				return err
			}
			created, id, err := s.upsertOne(ctx, tx, rec)
			if err != nil {
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
					return rbErr
				}
				res.Failures = append(res.Failures, UpsertFailure{ExternalID: rec.ExternalID, Err: err})
				continue
			}
			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
				return err
			}
			rec.ID = id
			if created {
				res.Created++
			} else {
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *sqlStore) upsertOne(ctx context.Context, tx *sql.Tx, rec *model.EventRecord) (bool, string, error) {
	var existing string
	err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM {events} WHERE user_id = ? AND external_id = ?`), rec.UserID, rec.ExternalID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, "", err
	}
	id := existing
	if id == "" {
		id = rec.ID
	}
	if id == "" {
		id = uuid.NewString()
	}

	var hasRec int
	var rule, recID string
	if rec.Recurrence != nil {
		hasRec = 1
		rule = strings.Join(rec.Recurrence.Rule, "\n")
		recID = rec.Recurrence.EventID
	}
	allDay := 0
	if rec.AllDay {
		allDay = 1
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO {events} (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, external_id) DO UPDATE SET
			calendar_id = excluded.calendar_id,
			parent_external_id = excluded.parent_external_id,
			summary = excluded.summary,
			description = excluded.description,
			location = excluded.location,
			status = excluded.status,
			all_day = excluded.all_day,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			original_start = excluded.original_start,
			has_recurrence = excluded.has_recurrence,
			recurrence_rule = excluded.recurrence_rule,
			recurrence_event_id = excluded.recurrence_event_id,
			updated_at = excluded.updated_at`),
		id, rec.UserID, rec.CalendarID, rec.ExternalID, rec.ParentExternalID,
		rec.Summary, rec.Description, rec.Location, rec.Status,
		allDay, formatTime(rec.Start), formatTime(rec.End), formatTime(rec.OriginalStart),
		hasRec, rule, recID, formatTime(rec.Updated))
	if err != nil {
		return false, "", err
	}
	return existing == "", id, nil
}

func (s *sqlStore) DeleteByExternalIDs(ctx context.Context, userID string, externalIDs []string) (int, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	total := 0
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, chunk := range chunkStrings(externalIDs, 400) {
			args := make([]any, 0, 2*len(chunk)+1)
			args = append(args, userID)
			for _, id := range chunk {
				args = append(args, id)
			}
			for _, id := range chunk {
				args = append(args, id)
			}
			ph := placeholders(len(chunk))
			res, err := tx.ExecContext(ctx, s.q(`
				DELETE FROM {events} WHERE user_id = ?
				AND (external_id IN (`+ph+`) OR (parent_external_id <> '' AND parent_external_id IN (`+ph+`)))`), args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *sqlStore) List(ctx context.Context, userID, calendarID string) ([]*model.EventRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := `SELECT ` + eventColumns + ` FROM {events} WHERE user_id = ?`
	args := []any{userID}
	if calendarID != "" {
		query += ` AND calendar_id = ?`
		args = append(args, calendarID)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Stored times are text; order in Go to compare instants.
	sortRecords(out)
	return out, nil
}

func (s *sqlStore) DeleteUser(ctx context.Context, userID string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {events} WHERE user_id = ?`), userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
