package ralph

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/logger"
)

func newTestTracker(t *testing.T, events Events) *Tracker {
	t.Helper()
	cm := cleanup.New()
	t.Cleanup(cm.Dispose)
	return New("test-session", logger.Default(), cm, events)
}

// completionRecorder collects completion signals thread-safely.
type completionRecorder struct {
	mu      sync.Mutex
	phrases []string
}

func (r *completionRecorder) record(phrase string, _ float64) {
	r.mu.Lock()
	r.phrases = append(r.phrases, phrase)
	r.mu.Unlock()
}

func (r *completionRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.phrases))
	copy(out, r.phrases)
	return out
}

func TestPromptEchoDoesNotFalseComplete(t *testing.T) {
	rec := &completionRecorder{}
	tr := newTestTracker(t, Events{OnCompletionDetected: rec.record})

	tr.Feed([]byte("When done, output exactly: <promise>ALL_TASKS_COMPLETE</promise>\n"))
	assert.Equal(t, "ALL_TASKS_COMPLETE", tr.Snapshot().Loop.CompletionPhrase)
	assert.Empty(t, rec.all())

	tr.Feed([]byte("<promise>ALL_TASKS_COMPLETE</promise>\n"))
	assert.Equal(t, []string{"ALL_TASKS_COMPLETE"}, rec.all())

	// third occurrence does not re-signal
	tr.Feed([]byte("<promise>ALL_TASKS_COMPLETE</promise>\n"))
	assert.Equal(t, []string{"ALL_TASKS_COMPLETE"}, rec.all())
}

func TestCrossChunkPromiseTag(t *testing.T) {
	rec := &completionRecorder{}
	tr := newTestTracker(t, Events{OnCompletionDetected: rec.record})
	tr.Configure("CROSS_CHUNK", 0)
	tr.SetLoopActive(true)

	tr.Feed([]byte("text <promise>CROSS_"))
	assert.Empty(t, rec.all())
	tr.Feed([]byte("CHUNK</promise> more\n"))

	assert.Equal(t, []string{"CROSS_CHUNK"}, rec.all())
}

func TestPartialPromiseDroppedPastCap(t *testing.T) {
	rec := &completionRecorder{}
	tr := newTestTracker(t, Events{OnCompletionDetected: rec.record})
	tr.SetLoopActive(true)

	// an opening tag whose phrase never closes and outgrows the carry buffer
	tr.Feed([]byte("<promise>" + strings.Repeat("A", 300)))
	tr.Feed([]byte("TAIL</promise>\n"))

	assert.Empty(t, rec.all())
}

func TestActiveLoopSignalsOnFirstOccurrence(t *testing.T) {
	rec := &completionRecorder{}
	tr := newTestTracker(t, Events{OnCompletionDetected: rec.record})
	tr.Configure("WORK_IS_FINISHED", 0)
	tr.SetLoopActive(true)

	tr.Feed([]byte("<promise>WORK_IS_FINISHED</promise>\n"))
	assert.Equal(t, []string{"WORK_IS_FINISHED"}, rec.all())
	assert.False(t, tr.Snapshot().Loop.Active)
}

func TestBarePhraseRequiresPriorTagOrActiveLoop(t *testing.T) {
	rec := &completionRecorder{}
	tr := newTestTracker(t, Events{OnCompletionDetected: rec.record})
	tr.Configure("EVERYTHING_IS_DONE_NOW", 0)

	// loop not active, tag never seen: bare mention is ignored
	tr.Feed([]byte("EVERYTHING_IS_DONE_NOW\n"))
	assert.Empty(t, rec.all())

	tr.SetLoopActive(true)
	tr.Feed([]byte("EVERYTHING_IS_DONE_NOW\n"))
	assert.Equal(t, []string{"EVERYTHING_IS_DONE_NOW"}, rec.all())
}

func TestBarePhraseIgnoredInPromptContext(t *testing.T) {
	rec := &completionRecorder{}
	tr := newTestTracker(t, Events{OnCompletionDetected: rec.record})
	tr.Configure("EVERYTHING_IS_DONE_NOW", 0)
	tr.SetLoopActive(true)

	tr.Feed([]byte("The completion phrase is EVERYTHING_IS_DONE_NOW\n"))
	tr.Feed([]byte("output exactly: EVERYTHING_IS_DONE_NOW\n"))
	assert.Empty(t, rec.all())
}

func TestCompletionMarksAllTodosCompleted(t *testing.T) {
	tr := newTestTracker(t, Events{})
	tr.Configure("FINISH_LINE_CROSSED", 0)
	tr.SetLoopActive(true)

	tr.Feed([]byte("- [ ] first task item\n- [ ] second task item\n"))
	tr.Feed([]byte("<promise>FINISH_LINE_CROSSED</promise>\n"))

	state := tr.Snapshot()
	require.Len(t, state.Todos, 2)
	for _, todo := range state.Todos {
		assert.Equal(t, TodoCompleted, todo.Status)
	}
}

func TestStatusBlockParsing(t *testing.T) {
	var blocks []StatusBlock
	tr := newTestTracker(t, Events{OnStatusBlock: func(b StatusBlock) {
		blocks = append(blocks, b)
	}})
	tr.enabled = true

	tr.Feed([]byte("---RALPH_STATUS---\n" +
		"STATUS: IN_PROGRESS\n" +
		"TASKS_COMPLETED_THIS_LOOP: 2\n" +
		"FILES_MODIFIED: 3\n" +
		"TESTS_STATUS: PASSING\n" +
		"EXIT_SIGNAL: false\n" +
		"RECOMMENDATION: keep going\n" +
		"---END_RALPH_STATUS---\n"))

	require.Len(t, blocks, 1)
	assert.Equal(t, BlockInProgress, blocks[0].Status)
	assert.Equal(t, 2, blocks[0].TasksCompleted)
	assert.Equal(t, 3, blocks[0].FilesModified)
	assert.Equal(t, TestsPassing, blocks[0].TestsStatus)
	assert.False(t, blocks[0].ExitSignal)
	assert.Equal(t, "keep going", blocks[0].Recommendation)

	counters := tr.Snapshot().Counters
	assert.Equal(t, 1, counters.Blocks)
	assert.Equal(t, 2, counters.TasksCompleted)
	assert.Equal(t, 3, counters.FilesModified)
}

func TestStatusBlockWithoutStatusDiscarded(t *testing.T) {
	var blocks []StatusBlock
	tr := newTestTracker(t, Events{OnStatusBlock: func(b StatusBlock) {
		blocks = append(blocks, b)
	}})
	tr.enabled = true

	tr.Feed([]byte("---RALPH_STATUS---\nFILES_MODIFIED: 3\n---END_RALPH_STATUS---\n"))
	assert.Empty(t, blocks)
	assert.Zero(t, tr.Snapshot().Counters.Blocks)
}

func TestStatusBlockSplitAcrossChunks(t *testing.T) {
	var blocks []StatusBlock
	tr := newTestTracker(t, Events{OnStatusBlock: func(b StatusBlock) {
		blocks = append(blocks, b)
	}})
	tr.enabled = true

	full := "---RALPH_STATUS---\nSTATUS: COMPLETE\nEXIT_SIGNAL: true\n---END_RALPH_STATUS---\n"
	for i := 0; i < len(full); i += 7 {
		end := i + 7
		if end > len(full) {
			end = len(full)
		}
		tr.Feed([]byte(full[i:end]))
	}

	require.Len(t, blocks, 1)
	assert.Equal(t, BlockComplete, blocks[0].Status)
	assert.True(t, blocks[0].ExitSignal)
}

func TestAutoEnableOnFirstPattern(t *testing.T) {
	enabled := false
	tr := newTestTracker(t, Events{OnEnabled: func() { enabled = true }})

	tr.Feed([]byte("ordinary build output\n"))
	assert.False(t, enabled)

	tr.Feed([]byte("starting the ralph loop now\n"))
	assert.True(t, enabled)
	assert.True(t, tr.Snapshot().Loop.Enabled)
}

func TestAllTasksCompleteMismatchedCountIgnored(t *testing.T) {
	tr := newTestTracker(t, Events{})
	tr.enabled = true

	tr.Feed([]byte("- [ ] first task item\n- [ ] second task item\n"))
	tr.Feed([]byte("All 15 files have been created\n"))

	for _, todo := range tr.Snapshot().Todos {
		assert.Equal(t, TodoPending, todo.Status)
	}
}

func TestAllTasksCompleteWithinTolerance(t *testing.T) {
	tr := newTestTracker(t, Events{})
	tr.enabled = true

	tr.Feed([]byte("- [ ] first task item\n- [ ] second task item\n"))
	tr.Feed([]byte("All 3 tasks have been completed\n"))

	for _, todo := range tr.Snapshot().Todos {
		assert.Equal(t, TodoCompleted, todo.Status)
	}
}

func TestAllTasksCompleteRequiresTrackedTodos(t *testing.T) {
	tr := newTestTracker(t, Events{})
	tr.enabled = true

	tr.Feed([]byte("All tasks are complete\n"))
	assert.Empty(t, tr.Snapshot().Todos)
}

func TestProseCompletionEmitsIndicator(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	tr := newTestTracker(t, Events{
		OnCompletionIndicator: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	tr.enabled = true

	tr.Feed([]byte("- [ ] first task item\n- [ ] second task item\n- [ ] third task item\n"))
	tr.Feed([]byte("All 3 tasks complete\n"))

	mu.Lock()
	assert.Equal(t, []string{"All 3 tasks complete"}, lines)
	mu.Unlock()
	for _, todo := range tr.Snapshot().Todos {
		assert.Equal(t, TodoCompleted, todo.Status)
	}

	// "nothing remaining" counts even without tracked todos
	tr.Feed([]byte("Nothing remaining.\n"))
	mu.Lock()
	assert.Len(t, lines, 2)
	mu.Unlock()
}

func TestProseCompletionIgnoredInPromptContext(t *testing.T) {
	indicators := 0
	tr := newTestTracker(t, Events{
		OnCompletionIndicator: func(string) { indicators++ },
	})
	tr.enabled = true

	tr.Feed([]byte("- [ ] first task item\n"))
	tr.Feed([]byte("When finished, output: nothing remaining\n"))
	assert.Zero(t, indicators)
}

func TestPhraseValidationWarning(t *testing.T) {
	type warning struct{ phrase, suggestion string }
	var warnings []warning
	tr := newTestTracker(t, Events{OnPhraseWarning: func(p, s string) {
		warnings = append(warnings, warning{p, s})
	}})

	tr.Feed([]byte("<promise>DONE</promise>\n"))
	require.Len(t, warnings, 1)
	assert.Equal(t, "DONE", warnings[0].phrase)
	assert.NotEmpty(t, warnings[0].suggestion)

	// warned once per phrase
	tr.Feed([]byte("<promise>DONE</promise>\n"))
	assert.Len(t, warnings, 1)
}

func TestChunkingInvariance(t *testing.T) {
	stream := "prep work\n" +
		"- [ ] build the importer pipeline\n" +
		"---RALPH_STATUS---\nSTATUS: IN_PROGRESS\nFILES_MODIFIED: 1\n---END_RALPH_STATUS---\n" +
		"When done, output exactly: <promise>STREAM_SPLIT_TEST</promise>\n" +
		"working...\n" +
		"<promise>STREAM_SPLIT_TEST</promise>\n"

	type outcome struct {
		completions []string
		blocks      int
		todos       int
	}

	runWith := func(chunkSize int) outcome {
		rec := &completionRecorder{}
		blocks := 0
		tr := newTestTracker(t, Events{
			OnCompletionDetected: rec.record,
			OnStatusBlock:        func(StatusBlock) { blocks++ },
		})
		for i := 0; i < len(stream); i += chunkSize {
			end := i + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			tr.Feed([]byte(stream[i:end]))
		}
		return outcome{rec.all(), blocks, len(tr.Snapshot().Todos)}
	}

	whole := runWith(len(stream))
	require.Equal(t, []string{"STREAM_SPLIT_TEST"}, whole.completions)
	require.Equal(t, 1, whole.blocks)
	require.Equal(t, 1, whole.todos)

	for _, size := range []int{1, 2, 3, 5, 8, 13, 64, 255} {
		assert.Equal(t, whole, runWith(size), "chunk size %d", size)
	}
}

func TestFlushPendingEventsOnSnapshot(t *testing.T) {
	var updates [][]Todo
	var mu sync.Mutex
	tr := newTestTracker(t, Events{OnTodoUpdate: func(todos []Todo) {
		mu.Lock()
		updates = append(updates, todos)
		mu.Unlock()
	}})
	tr.enabled = true

	tr.Feed([]byte("- [ ] the debounced item\n"))
	// Snapshot flushes the debounced emission without waiting 50 ms.
	state := tr.Snapshot()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	require.Len(t, state.Todos, 1)
}

func TestResetAllowsResignaling(t *testing.T) {
	rec := &completionRecorder{}
	tr := newTestTracker(t, Events{OnCompletionDetected: rec.record})
	tr.Configure("ROUND_TRIP_PHRASE", 0)
	tr.SetLoopActive(true)

	tr.Feed([]byte("<promise>ROUND_TRIP_PHRASE</promise>\n"))
	require.Len(t, rec.all(), 1)

	tr.Reset()
	tr.SetLoopActive(true)
	tr.Feed([]byte("<promise>ROUND_TRIP_PHRASE</promise>\n"))
	assert.Len(t, rec.all(), 2)
}
