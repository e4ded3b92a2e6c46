package stores

import (
	"context"
	"time"
)

// Compat is the compatibility rating of a catalog title, 0 (unknown) to 6
// (perfect).
type Compat int

const (
	CompatUnknown  Compat = 0
	CompatNothing  Compat = 1
	CompatIntro    Compat = 2
	CompatMenu     Compat = 3
	CompatInGame   Compat = 4
	CompatPlayable Compat = 5
	CompatPerfect  Compat = 6
)

// Title is one entry of the title catalog.
type Title struct {
	Serial    string    `json:"serial" yaml:"serial"`
	Name      string    `json:"name" yaml:"name"`
	Region    string    `json:"region" yaml:"region"`
	Compat    Compat    `json:"compat" yaml:"compat"`
	Notes     string    `json:"notes,omitempty" yaml:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Session is one boot-to-shutdown run of the process.
type Session struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ExecutionConfig string     `json:"execution_config"`
	Downgraded      string     `json:"downgraded"`
	ShutdownErrors  int        `json:"shutdown_errors"`
	FinalState      string     `json:"final_state"`
}

// CatalogStore is the read/write access to the title catalog.
type CatalogStore interface {
	UpsertTitle(ctx context.Context, title *Title) error
	UpsertTitles(ctx context.Context, titles []*Title) error
	GetTitle(ctx context.Context, serial string) (*Title, error)
	ListTitles(ctx context.Context, limit, offset int) ([]*Title, error)
	ForEachTitle(ctx context.Context, fn func(*Title) error) error
	CountTitles(ctx context.Context) (int, error)
	DeleteTitle(ctx context.Context, serial string) error
}

// SessionStore records process sessions.
type SessionStore interface {
	StartSession(ctx context.Context, session *Session) error
	EndSession(ctx context.Context, id string, shutdownErrors int, finalState string) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
}

// Store is the full persistence interface.
type Store interface {
	CatalogStore
	SessionStore

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}
