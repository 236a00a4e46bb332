package ralph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectTodoLineCheckbox(t *testing.T) {
	d := detectTodoLine("- [ ] implement the parser")
	require.NotNil(t, d)
	assert.Equal(t, "implement the parser", d.content)
	assert.Equal(t, TodoPending, d.status)

	d = detectTodoLine("* [x] wire up logging")
	require.NotNil(t, d)
	assert.Equal(t, TodoCompleted, d.status)

	d = detectTodoLine("- [~] refactor config loader")
	require.NotNil(t, d)
	assert.Equal(t, TodoInProgress, d.status)
}

func TestDetectTodoLineIndicatorIcon(t *testing.T) {
	d := detectTodoLine("⎿ ☐ add retry to the client")
	require.NotNil(t, d)
	assert.Equal(t, TodoPending, d.status)

	d = detectTodoLine("☒ add retry to the client")
	require.NotNil(t, d)
	assert.Equal(t, TodoCompleted, d.status)
}

func TestDetectTodoLineParenStatus(t *testing.T) {
	d := detectTodoLine("3. migrate the schema (in progress)")
	require.NotNil(t, d)
	assert.Equal(t, "migrate the schema", d.content)
	assert.Equal(t, TodoInProgress, d.status)

	d = detectTodoLine("update changelog (completed)")
	require.NotNil(t, d)
	assert.Equal(t, TodoCompleted, d.status)
}

func TestDetectTodoLineNativeIcon(t *testing.T) {
	d := detectTodoLine("✅ ship the release notes")
	require.NotNil(t, d)
	assert.Equal(t, TodoCompleted, d.status)

	d = detectTodoLine("⏳ rebuild the index")
	require.NotNil(t, d)
	assert.Equal(t, TodoInProgress, d.status)
}

func TestDetectTodoLinePriority(t *testing.T) {
	d := detectTodoLine("- [ ] [P1] harden the auth path")
	require.NotNil(t, d)
	assert.Equal(t, PriorityP1, d.priority)
	assert.Equal(t, "harden the auth path", d.content)
}

func TestDetectTodoLineExclusions(t *testing.T) {
	assert.Nil(t, detectTodoLine("✓ Bash(rm -rf ./build)"))
	assert.Nil(t, detectTodoLine("I'll start with the config loader"))
	assert.Nil(t, detectTodoLine("Let me check the tests"))
	// too short after normalization
	assert.Nil(t, detectTodoLine("- [ ] ab"))
	assert.Nil(t, detectTodoLine("plain prose line"))
}

func TestTaskNumberRegistry(t *testing.T) {
	tr := newTestTracker(t, Events{})
	tr.enabled = true

	tr.Feed([]byte("✓ Task #7 created: build the importer pipeline\n"))
	tr.Feed([]byte("✓ Task #7 updated: status → completed\n"))

	state := tr.Snapshot()
	require.Len(t, state.Todos, 1)
	assert.Equal(t, "build the importer pipeline", state.Todos[0].Content)
	assert.Equal(t, TodoCompleted, state.Todos[0].Status)
}

func TestUpsertTodoMergePrefersLongerAndNewer(t *testing.T) {
	tr := newTestTracker(t, Events{})
	tr.enabled = true

	tr.Feed([]byte("- [ ] implement the websocket reconnect logic\n"))
	tr.Feed([]byte("- [x] implement the websocket reconnect logic.\n"))

	state := tr.Snapshot()
	require.Len(t, state.Todos, 1)
	assert.Equal(t, "implement the websocket reconnect logic.", state.Todos[0].Content)
	assert.Equal(t, TodoCompleted, state.Todos[0].Status)
}

func TestUpsertTodoCompletedIsSticky(t *testing.T) {
	tr := newTestTracker(t, Events{})
	tr.enabled = true

	tr.Feed([]byte("- [x] write the migration script\n"))
	tr.Feed([]byte("- [ ] write the migration script\n"))

	state := tr.Snapshot()
	require.Len(t, state.Todos, 1)
	assert.Equal(t, TodoCompleted, state.Todos[0].Status)
}
