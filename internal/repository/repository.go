// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/opensource-finance/vigil/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("record was modified concurrently or already exists")
)

const defaultListLimit = 200

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// column is an indexed key column stored next to the JSON document.
type column struct {
	name  string
	value any
}

// insert stores a new document at version 1. A duplicate id (or any other
// unique key) yields ErrConflict.
func (r *SQLRepository) insert(ctx context.Context, table, id string, version *int64, createdAt time.Time, keys []column, v any) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	*version = 1
	doc, err := json.Marshal(v)
	if err != nil {
		*version = 0
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}

	names := []string{"id", "created_at", "version", "doc"}
	args := []any{id, createdAt.UnixNano(), int64(1), string(doc)}
	for _, c := range keys {
		names = append(names, c.name)
		args = append(args, c.value)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		table, strings.Join(names, ", "), placeholders(len(names)),
	)
	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		*version = 0
		return fmt.Errorf("insert %s %s: %w", table, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		*version = 0
		return fmt.Errorf("%w: %s %s", ErrConflict, table, id)
	}
	return nil
}

// update writes v only if the stored version still equals *version, then
// bumps *version.
func (r *SQLRepository) update(ctx context.Context, table, id string, version *int64, keys []column, v any) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	expected := *version
	*version = expected + 1
	doc, err := json.Marshal(v)
	if err != nil {
		*version = expected
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}

	sets := []string{"version = ?", "doc = ?"}
	args := []any{expected + 1, string(doc)}
	for _, c := range keys {
		sets = append(sets, c.name+" = ?")
		args = append(args, c.value)
	}
	args = append(args, id, expected)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND version = ?", table, strings.Join(sets, ", "))
	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		*version = expected
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		*version = expected
		return err
	}
	if n == 0 {
		*version = expected
		var exists int
		err := r.db.QueryRowContext(ctx, r.rebind("SELECT 1 FROM "+table+" WHERE id = ?"), id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s %s at version %d", ErrConflict, table, id, expected)
	}
	return nil
}

// getDoc loads a single document. The version column is authoritative.
func getDoc[T any](ctx context.Context, r *SQLRepository, table, where string, args ...any) (*T, int64, error) {
	query := fmt.Sprintf("SELECT version, doc FROM %s WHERE %s", table, where)

	var version int64
	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", table, err)
	}
	return &v, version, nil
}

// listDocs runs a filtered listing, newest first unless w.orderBy is set.
func listDocs[T any](ctx context.Context, r *SQLRepository, table string, w *where, limit int, setVersion func(*T, int64)) ([]*T, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	order := w.orderBy
	if order == "" {
		order = "created_at DESC"
	}
	query := fmt.Sprintf("SELECT version, doc FROM %s%s ORDER BY %s LIMIT %d", table, w.String(), order, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var version int64
		var doc string
		if err := rows.Scan(&version, &doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", table, err)
		}
		setVersion(&v, version)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// where accumulates AND-ed predicates.
type where struct {
	clauses []string
	args    []any
	orderBy string
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// Events

// SaveEvent stores a new event.
func (r *SQLRepository) SaveEvent(ctx context.Context, e *domain.Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return r.insert(ctx, "events", e.ID, &e.Version, e.CreatedAt, eventKeys(e), e)
}

// GetEvent retrieves an event by ID.
func (r *SQLRepository) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	e, version, err := getDoc[domain.Event](ctx, r, "events", "id = ?", id)
	if err != nil {
		return nil, err
	}
	e.Version = version
	return e, nil
}

// UpdateEvent compare-and-sets an event on its version.
func (r *SQLRepository) UpdateEvent(ctx context.Context, e *domain.Event) error {
	return r.update(ctx, "events", e.ID, &e.Version, eventKeys(e), e)
}

// ListEvents returns events newest first.
func (r *SQLRepository) ListEvents(ctx context.Context, f domain.EventFilter) ([]*domain.Event, error) {
	w := &where{}
	if f.AssureID != "" {
		w.add("assure_id = ?", f.AssureID)
	}
	if f.Type != "" {
		w.add("type = ?", string(f.Type))
	}
	if f.OnlyPending {
		w.add("processed = ?", 0)
	}
	if !f.CreatedBefore.IsZero() {
		w.add("created_at < ?", f.CreatedBefore.UnixNano())
	}
	return listDocs(ctx, r, "events", w, f.Limit, func(e *domain.Event, v int64) { e.Version = v })
}

func eventKeys(e *domain.Event) []column {
	processed := 0
	if e.Processed() {
		processed = 1
	}
	return []column{
		{"type", string(e.Type)},
		{"assure_id", e.AssureID},
		{"processed", processed},
	}
}

// Historiques

// SaveHistorique stores a new entry. A second entry for the same event yields
// ErrConflict.
func (r *SQLRepository) SaveHistorique(ctx context.Context, h *domain.HistoriqueEntry) error {
	if h.EventID == "" {
		return fmt.Errorf("%w: historique eventId is required", ErrInvalidInput)
	}
	return r.insert(ctx, "historiques", h.ID, &h.Version, h.CreatedAt, historiqueKeys(h, true), h)
}

// GetHistorique retrieves an entry by ID.
func (r *SQLRepository) GetHistorique(ctx context.Context, id string) (*domain.HistoriqueEntry, error) {
	h, version, err := getDoc[domain.HistoriqueEntry](ctx, r, "historiques", "id = ?", id)
	if err != nil {
		return nil, err
	}
	h.Version = version
	return h, nil
}

// GetHistoriqueByEvent retrieves the entry projected from an event.
func (r *SQLRepository) GetHistoriqueByEvent(ctx context.Context, eventID string) (*domain.HistoriqueEntry, error) {
	h, version, err := getDoc[domain.HistoriqueEntry](ctx, r, "historiques", "event_id = ?", eventID)
	if err != nil {
		return nil, err
	}
	h.Version = version
	return h, nil
}

// UpdateHistorique compare-and-sets an entry on its version.
func (r *SQLRepository) UpdateHistorique(ctx context.Context, h *domain.HistoriqueEntry) error {
	return r.update(ctx, "historiques", h.ID, &h.Version, historiqueKeys(h, false), h)
}

// ListHistoriques returns entries newest first.
func (r *SQLRepository) ListHistoriques(ctx context.Context, f domain.HistoriqueFilter) ([]*domain.HistoriqueEntry, error) {
	w := &where{}
	if f.AssureID != "" {
		w.add("assure_id = ?", f.AssureID)
	}
	if f.Category != "" {
		w.add("category = ?", f.Category)
	}
	return listDocs(ctx, r, "historiques", w, f.Limit, func(h *domain.HistoriqueEntry, v int64) { h.Version = v })
}

// historiqueKeys never rewrites event_id after insert.
func historiqueKeys(h *domain.HistoriqueEntry, withEvent bool) []column {
	keys := []column{
		{"assure_id", h.AssureID},
		{"category", h.Category},
	}
	if withEvent {
		keys = append(keys, column{"event_id", h.EventID})
	}
	return keys
}

// Alerts

// SaveAlert stores a new alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, a *domain.Alert) error {
	if a.EventID == "" || a.HistoriqueID == "" {
		return fmt.Errorf("%w: alert eventId and historiqueId are required", ErrInvalidInput)
	}
	return r.insert(ctx, "alerts", a.ID, &a.Version, a.CreatedAt, alertKeys(a), a)
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	a, version, err := getDoc[domain.Alert](ctx, r, "alerts", "id = ?", id)
	if err != nil {
		return nil, err
	}
	a.Version = version
	return a, nil
}

// UpdateAlert compare-and-sets an alert on its version.
func (r *SQLRepository) UpdateAlert(ctx context.Context, a *domain.Alert) error {
	return r.update(ctx, "alerts", a.ID, &a.Version, alertKeys(a), a)
}

// ListAlerts returns alerts newest first, or oldest deadline first when
// f.OverdueAt is set.
func (r *SQLRepository) ListAlerts(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	w := &where{}
	if !f.OverdueAt.IsZero() {
		w.add("sla_deadline > 0 AND sla_deadline < ?", f.OverdueAt.UnixNano())
		w.add("status NOT IN (?, ?)", string(domain.AlertQualified), string(domain.AlertClosed))
		w.orderBy = "sla_deadline ASC"
	}
	if f.EventID != "" {
		w.add("event_id = ?", f.EventID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Severity != "" {
		w.add("severity = ?", string(f.Severity))
	}
	return listDocs(ctx, r, "alerts", w, f.Limit, func(a *domain.Alert, v int64) { a.Version = v })
}

func alertKeys(a *domain.Alert) []column {
	var deadline int64
	if !a.SLADeadline.IsZero() {
		deadline = a.SLADeadline.UnixNano()
	}
	return []column{
		{"event_id", a.EventID},
		{"status", string(a.Status)},
		{"severity", string(a.Severity)},
		{"sla_deadline", deadline},
	}
}

// Risques

// SaveRisque stores a new risk profile. One profile per person.
func (r *SQLRepository) SaveRisque(ctx context.Context, rq *domain.Risque) error {
	if rq.AssureID == "" {
		return fmt.Errorf("%w: risque assureId is required", ErrInvalidInput)
	}
	return r.insert(ctx, "risques", rq.ID, &rq.Version, rq.CreatedAt, []column{{"assure_id", rq.AssureID}}, rq)
}

// GetRisque retrieves the risk profile of a person.
func (r *SQLRepository) GetRisque(ctx context.Context, assureID string) (*domain.Risque, error) {
	rq, version, err := getDoc[domain.Risque](ctx, r, "risques", "assure_id = ?", assureID)
	if err != nil {
		return nil, err
	}
	rq.Version = version
	return rq, nil
}

// UpdateRisque compare-and-sets a risk profile on its version.
func (r *SQLRepository) UpdateRisque(ctx context.Context, rq *domain.Risque) error {
	return r.update(ctx, "risques", rq.ID, &rq.Version, nil, rq)
}

// Cases

// SaveCase stores a new case.
func (r *SQLRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	if len(c.Alerts) == 0 {
		return fmt.Errorf("%w: case requires at least one alert", ErrInvalidInput)
	}
	return r.insert(ctx, "cases", c.ID, &c.Version, c.CreatedAt, caseKeys(c), c)
}

// GetCase retrieves a case by ID.
func (r *SQLRepository) GetCase(ctx context.Context, id string) (*domain.Case, error) {
	c, version, err := getDoc[domain.Case](ctx, r, "cases", "id = ?", id)
	if err != nil {
		return nil, err
	}
	c.Version = version
	return c, nil
}

// UpdateCase compare-and-sets a case on its version.
func (r *SQLRepository) UpdateCase(ctx context.Context, c *domain.Case) error {
	return r.update(ctx, "cases", c.ID, &c.Version, caseKeys(c), c)
}

// ListCases returns cases newest first.
func (r *SQLRepository) ListCases(ctx context.Context, f domain.CaseFilter) ([]*domain.Case, error) {
	w := &where{}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Team != "" {
		w.add("team = ?", f.Team)
	}
	return listDocs(ctx, r, "cases", w, f.Limit, func(c *domain.Case, v int64) { c.Version = v })
}

func caseKeys(c *domain.Case) []column {
	return []column{
		{"status", string(c.Status)},
		{"team", c.InvestigationTeam},
	}
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

var _ domain.Repository = (*SQLRepository)(nil)
