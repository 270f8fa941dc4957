package taskindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dowhiz/dowhiz/internal/scheduler"
)

func openTestIndex(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func taskAt(id string, runAt time.Time, enabled bool) *scheduler.ScheduledTask {
	return &scheduler.ScheduledTask{
		ID:       id,
		Kind:     scheduler.TaskKind{Type: scheduler.KindNoop},
		Schedule: scheduler.Schedule{Type: scheduler.ScheduleOneShot, RunAt: runAt},
		Enabled:  enabled,
	}
}

func TestSyncAndDueOrdering(t *testing.T) {
	s := openTestIndex(t)
	now := time.Now().UTC()

	require.NoError(t, s.SyncUserTasks("user-a", []*scheduler.ScheduledTask{
		taskAt("t1", now.Add(-2*time.Minute), true),
		taskAt("t2", now.Add(-1*time.Minute), true),
		taskAt("t3", now.Add(time.Hour), true),
		taskAt("t4", now.Add(-time.Minute), false),
	}))
	require.NoError(t, s.SyncUserTasks("user-b", []*scheduler.ScheduledTask{
		taskAt("t5", now.Add(-3*time.Minute), true),
	}))

	refs, err := s.DueTaskRefs(now, 10)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "t5", refs[0].TaskID)
	assert.Equal(t, "user-b", refs[0].UserID)
	assert.Equal(t, "t1", refs[1].TaskID)
	assert.Equal(t, "t2", refs[2].TaskID)
}

func TestSyncReplacesUserRows(t *testing.T) {
	s := openTestIndex(t)
	now := time.Now().UTC()

	require.NoError(t, s.SyncUserTasks("user-a", []*scheduler.ScheduledTask{
		taskAt("t1", now.Add(-time.Minute), true),
	}))
	// Task completed: next sync omits it.
	require.NoError(t, s.SyncUserTasks("user-a", []*scheduler.ScheduledTask{
		taskAt("t2", now.Add(-time.Second), true),
	}))

	refs, err := s.DueTaskRefs(now, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "t2", refs[0].TaskID)
}

func TestDueLimit(t *testing.T) {
	s := openTestIndex(t)
	now := time.Now().UTC()
	require.NoError(t, s.SyncUserTasks("user-a", []*scheduler.ScheduledTask{
		taskAt("t1", now.Add(-3*time.Second), true),
		taskAt("t2", now.Add(-2*time.Second), true),
		taskAt("t3", now.Add(-1*time.Second), true),
	}))
	refs, err := s.DueTaskRefs(now, 2)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestDisable(t *testing.T) {
	s := openTestIndex(t)
	now := time.Now().UTC()
	require.NoError(t, s.SyncUserTasks("user-a", []*scheduler.ScheduledTask{
		taskAt("t1", now.Add(-time.Second), true),
	}))
	require.NoError(t, s.Disable("t1"))
	refs, err := s.DueTaskRefs(now, 10)
	require.NoError(t, err)
	assert.Empty(t, refs)
}
