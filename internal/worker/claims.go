package worker

import (
	"sync"
	"time"

	"github.com/dowhiz/dowhiz/internal/taskindex"
)

// TaskClaim tracks one in-flight task for the watchdog.
type TaskClaim struct {
	TaskID     string
	UserID     string
	StartedAt  time.Time
	RetryCount int
}

// ClaimResult is the outcome of a claim attempt.
type ClaimResult int

const (
	Claimed ClaimResult = iota
	UserBusy
	TaskBusy
)

// Claims tracks which tasks and users currently have work in flight, so a
// task never runs twice concurrently and one user cannot monopolize the
// worker.
type Claims struct {
	mu           sync.Mutex
	runningTasks map[string]TaskClaim
	runningUsers map[string]int
}

// NewClaims returns an empty claim table.
func NewClaims() *Claims {
	return &Claims{
		runningTasks: map[string]TaskClaim{},
		runningUsers: map[string]int{},
	}
}

// TryClaim claims the task unless the task is already running or the user is
// at their concurrency limit.
func (c *Claims) TryClaim(ref taskindex.TaskRef, userLimit int) ClaimResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningUsers[ref.UserID] >= userLimit {
		return UserBusy
	}
	if _, running := c.runningTasks[ref.TaskID]; running {
		return TaskBusy
	}
	c.runningUsers[ref.UserID]++
	c.runningTasks[ref.TaskID] = TaskClaim{
		TaskID:    ref.TaskID,
		UserID:    ref.UserID,
		StartedAt: time.Now(),
	}
	return Claimed
}

// Release returns the task's slot.
func (c *Claims) Release(ref taskindex.TaskRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(ref.TaskID)
}

// Stale returns the claims running longer than timeout.
func (c *Claims) Stale(timeout time.Duration) []TaskClaim {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var out []TaskClaim
	for _, claim := range c.runningTasks {
		if claim.StartedAt.Before(cutoff) {
			out = append(out, claim)
		}
	}
	return out
}

// ForceRelease drops the claim by task id, returning it when it existed.
// Used by the watchdog to recover slots from stuck tasks.
func (c *Claims) ForceRelease(taskID string) (TaskClaim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	claim, ok := c.runningTasks[taskID]
	if !ok {
		return TaskClaim{}, false
	}
	c.releaseLocked(taskID)
	return claim, true
}

func (c *Claims) releaseLocked(taskID string) {
	claim, ok := c.runningTasks[taskID]
	if !ok {
		return
	}
	delete(c.runningTasks, taskID)
	if active := c.runningUsers[claim.UserID]; active <= 1 {
		delete(c.runningUsers, claim.UserID)
	} else {
		c.runningUsers[claim.UserID] = active - 1
	}
}

// Limiter caps the total number of tasks in flight across all users.
type Limiter struct {
	mu       sync.Mutex
	max      int
	inFlight int
}

// NewLimiter returns a limiter admitting up to max concurrent tasks.
func NewLimiter(max int) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{max: max}
}

// TryAcquire takes a slot when one is free.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight >= l.max {
		return false
	}
	l.inFlight++
	return true
}

// Release returns a slot.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}

// busySet guards thread workspaces: two agent runs must never share one
// workspace directory.
type busySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newBusySet() *busySet {
	return &busySet{keys: map[string]struct{}{}}
}

func (b *busySet) tryAdd(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.keys[key]; busy {
		return false
	}
	b.keys[key] = struct{}{}
	return true
}

func (b *busySet) remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
}
