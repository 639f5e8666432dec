package taskmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunState - состояние зарегистрированного прогона.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateFinished  RunState = "finished"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Run - один in-process прогон истории.
type Run struct {
	TaskID    uuid.UUID
	StoryID   uuid.UUID
	State     RunState
	StartedAt time.Time
	DoneAt    *time.Time
	Err       string

	cancel context.CancelFunc
}

// Tracker регистрирует выполняющиеся прогоны историй и даёт кооперативную
// отмену: Cancel снимает контекст прогона, сам прогон дозавершается через
// свои контрольные точки. Один прогон на историю одновременно.
type Tracker struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Run
	active map[uuid.UUID]uuid.UUID // storyID -> taskID
	logger zerolog.Logger
}

// NewTracker создает пустой трекер прогонов.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		byID:   make(map[uuid.UUID]*Run),
		active: make(map[uuid.UUID]uuid.UUID),
		logger: logger.With().Str("component", "run_tracker").Logger(),
	}
}

// Submit запускает fn в горутине под отменяемым контекстом и регистрирует
// прогон. Второй одновременный прогон той же истории отклоняется.
func (t *Tracker) Submit(ctx context.Context, storyID uuid.UUID, fn func(ctx context.Context) error) (uuid.UUID, error) {
	t.mu.Lock()
	if existing, busy := t.active[storyID]; busy {
		t.mu.Unlock()
		return uuid.Nil, fmt.Errorf("story %s already has active run %s", storyID, existing)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		TaskID:    uuid.New(),
		StoryID:   storyID,
		State:     RunStateRunning,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	t.byID[run.TaskID] = run
	t.active[storyID] = run.TaskID
	t.mu.Unlock()

	t.logger.Info().
		Str("task_id", run.TaskID.String()).
		Str("story_id", storyID.String()).
		Msg("run submitted")

	go func() {
		defer cancel()
		err := fn(runCtx)
		t.finish(run.TaskID, err, runCtx.Err() != nil)
	}()

	return run.TaskID, nil
}

// Cancel снимает контекст активного прогона истории. Отсутствие активного
// прогона - не ошибка: отмена могла прийти раньше старта или позже финиша.
func (t *Tracker) Cancel(storyID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	taskID, ok := t.active[storyID]
	if !ok {
		return false
	}
	run := t.byID[taskID]
	run.cancel()
	t.logger.Info().
		Str("task_id", taskID.String()).
		Str("story_id", storyID.String()).
		Msg("run cancellation requested")
	return true
}

// Get возвращает снимок прогона по taskID.
func (t *Tracker) Get(taskID uuid.UUID) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.byID[taskID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// ActiveForStory возвращает снимок активного прогона истории.
func (t *Tracker) ActiveForStory(storyID uuid.UUID) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	taskID, ok := t.active[storyID]
	if !ok {
		return Run{}, false
	}
	return *t.byID[taskID], true
}

func (t *Tracker) finish(taskID uuid.UUID, err error, ctxCancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.byID[taskID]
	if !ok {
		return
	}
	now := time.Now()
	run.DoneAt = &now
	switch {
	case ctxCancelled:
		run.State = RunStateCancelled
	case err != nil:
		run.State = RunStateFailed
		run.Err = err.Error()
	default:
		run.State = RunStateFinished
	}
	delete(t.active, run.StoryID)

	event := t.logger.Info()
	if err != nil {
		event = t.logger.Error().Err(err)
	}
	event.
		Str("task_id", taskID.String()).
		Str("story_id", run.StoryID.String()).
		Str("state", string(run.State)).
		Dur("elapsed", now.Sub(run.StartedAt)).
		Msg("run finished")
}
