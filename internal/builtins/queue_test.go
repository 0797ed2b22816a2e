// ABOUTME: Tests for show-queue and kill
// ABOUTME: A fake queue stands in for the executor

package builtins

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sshd/internal/command"
	"github.com/2389/coven-sshd/internal/executor"
)

func sampleQueue() *fakeQueue {
	now := time.Now()
	return &fakeQueue{tasks: []executor.Snapshot{
		{
			ID:        "1f2e3d4c-0000-4000-8000-000000000001",
			Command:   "gsql",
			Line:      "gsql --format json",
			Principal: "alice",
			State:     executor.StateRunning,
			StartTime: now.Add(-90 * time.Second),
		},
		{
			ID:        "1f2e9999-0000-4000-8000-000000000002",
			Command:   "show-queue",
			Args:      []string{"-w"},
			Principal: "bob",
			State:     executor.StatePending,
			StartTime: now.Add(-2 * time.Second),
		},
	}}
}

func TestShowQueue(t *testing.T) {
	q := sampleQueue()
	d := find(t, QueueCommands(q), "show-queue")

	res := run(t, d, newSession(t, CapViewQueue), nil)
	require.NoError(t, res.err)
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 5)
	assert.Regexp(t, `^Task\s+State\s+Age\s+Principal\s+Command`, lines[0])
	assert.Regexp(t, `^1f2e3d4c\s+running\s+1m30s\s+alice\s+gsql --format json$`, lines[1])
	assert.Regexp(t, `^1f2e9999\s+pending\s+2s\s+bob\s+show-queue -w$`, lines[2])
	assert.Contains(t, lines[4], "2 tasks")

	res = run(t, d, newSession(t, CapViewQueue), nil, "-w")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "1f2e3d4c-0000-4000-8000-000000000001")
}

func TestShowQueue_Empty(t *testing.T) {
	res := run(t, find(t, QueueCommands(&fakeQueue{}), "show-queue"), newSession(t), nil)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "0 tasks")
}

func TestKill(t *testing.T) {
	q := sampleQueue()
	d := find(t, QueueCommands(q), "kill")

	res := run(t, d, newSession(t, CapKillTask), nil, "1f2e3d4c")
	require.NoError(t, res.err)
	assert.Equal(t, "kill: 1f2e3d4c: cancelled\n", res.stdout)
	assert.Equal(t, []string{"1f2e3d4c-0000-4000-8000-000000000001"}, q.cancelled)

	res = run(t, d, newSession(t, CapKillTask), nil, "1f2e9999-0000-4000-8000-000000000002")
	require.NoError(t, res.err)
	assert.Len(t, q.cancelled, 2)
}

func TestKill_Failures(t *testing.T) {
	q := sampleQueue()
	d := find(t, QueueCommands(q), "kill")

	res := run(t, d, newSession(t), nil)
	assert.Equal(t, command.ExitUsage, res.code)
	assert.Error(t, res.err)

	res = run(t, d, newSession(t), nil, "1f2e", "deadbeef", "ab", "1f2e3d4c")
	assert.Equal(t, command.ExitFailure, res.code)
	require.Error(t, res.err)
	assert.Equal(t, "3 of 4 tasks could not be cancelled", res.err.Error())
	assert.Contains(t, res.stderr, "kill: 1f2e: ambiguous task id")
	assert.Contains(t, res.stderr, "kill: deadbeef: no such task")
	assert.Contains(t, res.stderr, "kill: ab: task id too short")
	assert.Equal(t, []string{"1f2e3d4c-0000-4000-8000-000000000001"}, q.cancelled, "valid ids are still cancelled")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "ab", truncate("abcdefgh", 2))
}
