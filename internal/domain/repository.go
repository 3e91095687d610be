// Package domain defines the core interfaces and types for Vigil.
package domain

import (
	"context"
	"time"
)

// Repository is the key-addressable store behind the five collections
// (events, historiques, alerts, risques, cases).
//
// Every Update* method is an optimistic compare-and-set on Version: the
// record is written only if the stored version still equals the version
// carried by the argument, and the argument's Version is bumped on success.
type Repository interface {
	// Event store
	SaveEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	UpdateEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]*Event, error)

	// Historique entries
	SaveHistorique(ctx context.Context, h *HistoriqueEntry) error
	GetHistorique(ctx context.Context, id string) (*HistoriqueEntry, error)
	GetHistoriqueByEvent(ctx context.Context, eventID string) (*HistoriqueEntry, error)
	UpdateHistorique(ctx context.Context, h *HistoriqueEntry) error
	ListHistoriques(ctx context.Context, f HistoriqueFilter) ([]*HistoriqueEntry, error)

	// Alerts
	SaveAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	UpdateAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)

	// Risk profiles
	SaveRisque(ctx context.Context, r *Risque) error
	GetRisque(ctx context.Context, assureID string) (*Risque, error)
	UpdateRisque(ctx context.Context, r *Risque) error

	// Cases
	SaveCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, id string) (*Case, error)
	UpdateCase(ctx context.Context, c *Case) error
	ListCases(ctx context.Context, f CaseFilter) ([]*Case, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// EventFilter selects events.
type EventFilter struct {
	AssureID      string
	Type          EventType
	OnlyPending   bool      // processedAt unset
	CreatedBefore time.Time // zero means no bound
	Limit         int
}

// HistoriqueFilter selects historique entries.
type HistoriqueFilter struct {
	AssureID string
	Category string
	Limit    int
}

// AlertFilter selects alerts.
type AlertFilter struct {
	EventID  string
	Status   AlertStatus
	Severity Severity
	Limit    int

	// OverdueAt selects open alerts whose SLA deadline is before it, oldest
	// deadline first.
	OverdueAt time.Time
}

// CaseFilter selects cases.
type CaseFilter struct {
	Status CaseStatus
	Team   string
	Limit  int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
