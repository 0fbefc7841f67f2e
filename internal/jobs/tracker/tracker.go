package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/pairing"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultPollInterval = 5 * time.Second
)

// Snapshot is one full resync: the summary plus the raw inputs it came from.
type Snapshot struct {
	Summary  Summary
	Looks    []LookInput
	Outputs  []types.Output
	SyncedAt time.Time
}

// Loader fetches the raw rows a summary is computed from.
type Loader func(ctx context.Context) ([]LookInput, []types.Output, error)

type LookSource interface {
	ListByBatch(dbc dbctx.Context, batchID uuid.UUID) ([]*types.Look, error)
}

type OutputSource interface {
	ListByLooks(dbc dbctx.Context, lookIDs []uuid.UUID) ([]*types.Output, error)
}

// RepoLoader loads every look enqueued under batchID and all of their
// outputs, across batches.
func RepoLoader(looks LookSource, outputs OutputSource, rules *pairing.Rules, batchID uuid.UUID) Loader {
	if rules == nil {
		rules = pairing.Default()
	}
	return func(ctx context.Context) ([]LookInput, []types.Output, error) {
		dbc := dbctx.New(ctx)
		rows, err := looks.ListByBatch(dbc, batchID)
		if err != nil {
			return nil, nil, fmt.Errorf("load looks: %w", err)
		}
		inputs := make([]LookInput, 0, len(rows))
		ids := make([]uuid.UUID, 0, len(rows))
		for _, l := range rows {
			ids = append(ids, l.ID)
			inputs = append(inputs, LookInput{
				ID:               l.ID,
				Name:             l.Name,
				Stage:            l.Stage,
				RequiredViews:    rules.ShotTypes(l.Stage),
				SourcesUpdatedAt: l.SourcesUpdatedAt(),
				Images:           l.Sources,
			})
		}
		outRows, err := outputs.ListByLooks(dbc, ids)
		if err != nil {
			return nil, nil, fmt.Errorf("load outputs: %w", err)
		}
		out := make([]types.Output, 0, len(outRows))
		for _, o := range outRows {
			out = append(out, *o)
		}
		return inputs, out, nil
	}
}

// Build computes the summary and fills in NeedsAction from the stage table.
func Build(looks []LookInput, outputs []types.Output, requiredOptions int, rules *pairing.Rules) Summary {
	sum := Compute(looks, outputs, requiredOptions)
	byLook := map[uuid.UUID][]types.Output{}
	for _, o := range outputs {
		byLook[o.LookID] = append(byLook[o.LookID], o)
	}
	images := map[uuid.UUID][]types.SourceImage{}
	for _, l := range looks {
		images[l.ID] = l.Images
	}
	for i := range sum.Looks {
		l := &sum.Looks[i]
		l.NeedsAction = NeedsAction(l.Stage, ActionInput{
			Images:          images[l.LookID],
			Outputs:         byLook[l.LookID],
			Rules:           rules,
			RequiredOptions: sum.RequiredOptions,
		})
	}
	return sum
}

type Config struct {
	RequiredOptions int
	Debounce        time.Duration
	PollInterval    time.Duration
	Rules           *pairing.Rules
	// Match selects which change events trigger a resync. Nil matches all.
	Match func(bus.Event) bool
}

// Tracker keeps a live summary. Change events are coalesced into one resync
// per debounce window, and while work is in flight the summary is also
// polled in case an event was missed.
type Tracker struct {
	load Loader
	bus  bus.Bus
	cfg  Config
	log  *logger.Logger

	mu        sync.RWMutex
	snap      Snapshot
	listeners []func(Snapshot)

	trigger chan struct{}
}

func New(load Loader, b bus.Bus, cfg Config, log *logger.Logger) *Tracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RequiredOptions < 1 {
		cfg.RequiredOptions = 1
	}
	return &Tracker{
		load:    load,
		bus:     b,
		cfg:     cfg,
		log:     log.With("component", "GenerationTracker"),
		trigger: make(chan struct{}, 1),
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// OnChange registers fn to run after every resync.
func (t *Tracker) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Resync recomputes the summary from scratch.
func (t *Tracker) Resync(ctx context.Context) (Snapshot, error) {
	looks, outputs, err := t.load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Summary:  Build(looks, outputs, t.cfg.RequiredOptions, t.cfg.Rules),
		Looks:    looks,
		Outputs:  outputs,
		SyncedAt: time.Now().UTC(),
	}
	t.mu.Lock()
	t.snap = snap
	listeners := append([]func(Snapshot){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return snap, nil
}

// Poke schedules a resync.
func (t *Tracker) Poke() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Run resyncs once, then follows the change feed until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	if _, err := t.Resync(ctx); err != nil {
		return err
	}
	if t.bus != nil {
		err := t.bus.Subscribe(ctx, func(ev bus.Event) {
			if t.cfg.Match == nil || t.cfg.Match(ev) {
				t.Poke()
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	debounce := time.NewTimer(t.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false
	poll := time.NewTicker(t.cfg.PollInterval)
	defer poll.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.trigger:
			if !pending {
				pending = true
				debounce.Reset(t.cfg.Debounce)
			}
		case <-debounce.C:
			pending = false
			t.resyncLogged(ctx)
		case <-poll.C:
			if !pending && t.Snapshot().Summary.InFlight {
				t.resyncLogged(ctx)
			}
		}
	}
}

func (t *Tracker) resyncLogged(ctx context.Context) {
	if _, err := t.Resync(ctx); err != nil && ctx.Err() == nil {
		t.log.Warn("summary resync failed", "error", err)
	}
}
