package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "conductord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newWorkflow(t *testing.T, db *DB) *Workflow {
	t.Helper()
	now := time.Now().UTC()
	w := &Workflow{
		ID:         uuid.New().String(),
		Title:      "add retries",
		Task:       "add retries to the fetcher",
		Stage:      StageScope,
		BaseBranch: "main",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, db.InsertWorkflow(context.Background(), w))
	return w
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Ping(context.Background()))
}

func TestSessions_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s := &Session{
		ID:          "sess-1",
		ContextType: ContextWorkflow,
		ContextID:   "wf-1",
		AgentRole:   "planner",
		Status:      SessionActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, db.InsertSession(ctx, s))

	got, err := db.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, ContextWorkflow, got.ContextType)
	assert.Equal(t, "planner", got.AgentRole)
	assert.True(t, now.Equal(got.CreatedAt))
	assert.Nil(t, got.EndedAt)

	active, err := db.FindActiveSession(ctx, ContextWorkflow, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", active.ID)

	require.NoError(t, db.FinishSession(ctx, "sess-1", SessionError, "boom", now.Add(time.Second)))

	got, err = db.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionError, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
	require.NotNil(t, got.EndedAt)

	_, err = db.FindActiveSession(ctx, ContextWorkflow, "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Ended sessions stay ended.
	err = db.FinishSession(ctx, "sess-1", SessionCompleted, "", now)
	assert.ErrorIs(t, err, ErrConflict)

	err = db.FinishSession(ctx, "missing", SessionCompleted, "", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSession_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := newWorkflow(t, db)

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(q *Queries) error {
		w.Stage = StagePlan
		w.UpdatedAt = time.Now()
		if err := q.UpdateWorkflow(ctx, w); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := db.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StageScope, got.Stage)
}

func TestArtifacts_UpsertAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := newWorkflow(t, db)

	for _, st := range []Stage{StageScope, StageResearch, StagePlan} {
		require.NoError(t, db.UpsertArtifact(ctx, &Artifact{
			WorkflowID: w.ID, Stage: st, ArtifactType: string(st) + "_doc", Content: "v1", CreatedAt: time.Now(),
		}))
	}
	require.NoError(t, db.UpsertArtifact(ctx, &Artifact{
		WorkflowID: w.ID, Stage: StageScope, ArtifactType: "scope_doc", Content: "v2", CreatedAt: time.Now(),
	}))
	require.NoError(t, db.ApproveArtifact(ctx, w.ID, StageScope))

	arts, err := db.ListArtifacts(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, arts, 3)

	byStage := map[Stage]*Artifact{}
	for _, a := range arts {
		byStage[a.Stage] = a
	}
	assert.Equal(t, "v2", byStage[StageScope].Content)
	assert.True(t, byStage[StageScope].Approved)

	n, err := db.DeleteArtifacts(ctx, w.ID, []Stage{StageResearch, StagePlan})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	arts, err = db.ListArtifacts(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, arts, 1)
}

func TestPulses_LatestAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := newWorkflow(t, db)

	for i := 1; i <= 3; i++ {
		require.NoError(t, db.InsertPulse(ctx, &Pulse{
			ID: uuid.New().String(), WorkflowID: w.ID, Sequence: i, Description: "step",
			Status: PulseProposed, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}))
	}

	latest, err := db.LatestPulse(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Sequence)

	latest.Status = PulseRunning
	latest.RejectionCount = 2
	require.NoError(t, db.UpdatePulse(ctx, latest))

	got, err := db.GetPulse(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, PulseRunning, got.Status)
	assert.Equal(t, 2, got.RejectionCount)

	n, err := db.DeletePulses(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = db.LatestPulse(ctx, w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReviewComments_SelectedInOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := newWorkflow(t, db)
	base := time.Now()

	for i, body := range []string{"first", "second", "third"} {
		require.NoError(t, db.InsertReviewComment(ctx, &ReviewComment{
			ID: body, WorkflowID: w.ID, Path: "main.go", Line: i + 1, Body: body,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	got, err := db.GetReviewComments(ctx, w.ID, []string{"third", "first", "unknown"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Body)
	assert.Equal(t, "third", got[1].Body)
}

func TestSubtasks_TerminalIsMonotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	st := &Subtask{
		ID: "st-1", ParentSessionID: "parent", TaskDef: []byte(`{"kind":"research"}`),
		Status: SubtaskPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.InsertSubtask(ctx, st))

	require.NoError(t, db.StartSubtask(ctx, "st-1", "sess-9", now))
	assert.ErrorIs(t, db.StartSubtask(ctx, "st-1", "sess-9", now), ErrConflict)

	bySession, err := db.GetSubtaskBySession(ctx, "sess-9")
	require.NoError(t, err)
	assert.Equal(t, "st-1", bySession.ID)

	require.NoError(t, db.FinishSubtask(ctx, "st-1", SubtaskFailed, nil, "timeout", now))
	err = db.FinishSubtask(ctx, "st-1", SubtaskCompleted, []byte(`{}`), "", now)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := db.GetSubtask(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, SubtaskFailed, got.Status)
	assert.Equal(t, "timeout", got.ErrorMessage)

	err = db.FinishSubtask(ctx, "missing", SubtaskCompleted, nil, "", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubtasks_CountOpenSiblingsUnderConcurrentTx(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	const n = 12
	for i := 0; i < n; i++ {
		require.NoError(t, db.InsertSubtask(ctx, &Subtask{
			ID: uuid.New().String(), ParentSessionID: "parent", TaskDef: []byte(`{}`),
			Status: SubtaskRunning, CreatedAt: now, UpdatedAt: now,
		}))
	}
	subtasks, err := db.ListSubtasks(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, subtasks, n)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		zeros int
	)
	for _, st := range subtasks {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			var remaining int
			err := db.WithTx(ctx, func(q *Queries) error {
				if err := q.FinishSubtask(ctx, id, SubtaskCompleted, []byte(`{}`), "", time.Now()); err != nil {
					return err
				}
				var err error
				remaining, err = q.CountOpenSiblings(ctx, "parent")
				return err
			})
			if !assert.NoError(t, err) {
				return
			}
			if remaining == 0 {
				mu.Lock()
				zeros++
				mu.Unlock()
			}
		}(st.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, zeros)
}

func TestErrorRecords(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertErrorRecord(ctx, &ErrorRecord{
		ID: "e1", Kind: "coordination_failure", WorkflowID: "wf", Message: "parent missing", CreatedAt: time.Now(),
	}))
	require.NoError(t, db.InsertErrorRecord(ctx, &ErrorRecord{
		ID: "e2", Kind: "coordination_failure", WorkflowID: "other", Message: "x", CreatedAt: time.Now(),
	}))

	recs, err := db.ListErrorRecords(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "parent missing", recs[0].Message)

	all, err := db.ListErrorRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStage_Index(t *testing.T) {
	assert.Equal(t, 0, StageScope.Index())
	assert.Equal(t, 3, StagePulseLoop.Index())
	assert.Equal(t, -1, Stage("bogus").Index())
	assert.True(t, ContextPersona.Interactive())
	assert.False(t, ContextSubtask.Interactive())
}
