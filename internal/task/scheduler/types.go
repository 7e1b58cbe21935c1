package scheduler

import (
	"context"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Lisbon"
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Job is the work triggered by a schedule. FireTime(ctx) reports the
// instant the trigger was due.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	sched   cron.Schedule
	opt     TaskOptions
	state   *engine.RunState
}

type onceDef struct {
	at      time.Time
	timeout time.Duration
	opt     TaskOptions
	job     Job
	ver     uint64
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// One-off definitions survive Stop so Start can re-arm them. A callback
	// whose ver no longer matches the stored definition is stale.
	tmu     sync.Mutex
	once    map[string]*onceDef
	onceSeq uint64
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Timezone  string
	Schedules []ScheduleInfo
	Once      int
}
