// Package engine runs the trigger/reaction pipeline: the clock scheduler
// polls every active area's action connector, and each new event is handed
// to the reaction pipeline, which interpolates the reaction parameters,
// calls the reaction connector and records the outcome.
package engine

import (
	"context"
	"time"

	"github.com/p-blackswan/area/internal/catalog"
	"github.com/p-blackswan/area/internal/store"
)

// Store is the persistence gateway the engine depends on. *store.Store
// satisfies it.
type Store interface {
	ListActiveAreas(ctx context.Context) ([]*store.Area, error)
	GetArea(ctx context.Context, id string) (*store.Area, error)
	SetAreaActive(ctx context.Context, id string, active bool) error
	RecordTrigger(ctx context.Context, id string, at time.Time) error

	HookCursor(ctx context.Context, areaID string) (map[string]string, error)
	SetHookStates(ctx context.Context, areaID string, values map[string]string, checkedAt *time.Time) error
	TouchHookStates(ctx context.Context, areaID string, checkedAt time.Time) error

	ListParametersForComponent(ctx context.Context, areaID, componentID string) ([]store.Parameter, error)

	CreateExecution(ctx context.Context, e *store.Execution) error
	FinishExecution(ctx context.Context, id, status, errMsg string, at time.Time) error
	FailPendingExecutions(ctx context.Context, cutoff time.Time, reason string) (int64, error)

	RunRetention(ctx context.Context, p store.RetentionPolicy) (store.RetentionResult, error)
	DBSizeBytes() (int64, error)
}

// CatalogSource yields the active component catalog. *catalog.Manager
// satisfies it.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// StaticCatalog serves a fixed catalog snapshot.
type StaticCatalog struct{ C *catalog.Catalog }

// Current implements CatalogSource.
func (s StaticCatalog) Current() *catalog.Catalog { return s.C }

// Notice types published while a reaction runs.
const (
	NoticeStarted  = "execution_started"
	NoticeFinished = "execution_finished"
)

// ExecutionNotice describes one step of a reaction pipeline run.
type ExecutionNotice struct {
	Type        string    `json:"type"`
	AreaID      string    `json:"area_id"`
	AreaName    string    `json:"area_name"`
	ExecutionID string    `json:"execution_id"`
	EventID     string    `json:"event_id,omitempty"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier receives execution notices. Implementations must not block.
type Notifier interface {
	Notify(n ExecutionNotice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ExecutionNotice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n ExecutionNotice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(ExecutionNotice) {}
