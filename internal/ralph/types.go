// Package ralph reconstructs a structured view of an agent's work from
// its terminal output: loop state, task list, completion signals, and
// delimited status blocks. The tracker is a streaming parser tolerant of
// ANSI escapes, chunk boundaries, and prompt echoes.
package ralph

import "time"

// TodoStatus is the lifecycle state of a tracked task.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Priority buckets recognized in task lines.
type Priority string

const (
	PriorityP0   Priority = "P0"
	PriorityP1   Priority = "P1"
	PriorityP2   Priority = "P2"
	PriorityNone Priority = ""
)

// Todo is one tracked task, identified by a stable content hash.
type Todo struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Status     TodoStatus `json:"status"`
	Priority   Priority   `json:"priority,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BlockStatus is the required STATUS field of a status block.
type BlockStatus string

const (
	BlockInProgress BlockStatus = "IN_PROGRESS"
	BlockComplete   BlockStatus = "COMPLETE"
	BlockBlocked    BlockStatus = "BLOCKED"
	BlockError      BlockStatus = "ERROR"
)

// TestsStatus is the optional TESTS_STATUS field of a status block.
type TestsStatus string

const (
	TestsPassing TestsStatus = "PASSING"
	TestsFailing TestsStatus = "FAILING"
	TestsNotRun  TestsStatus = "NOT_RUN"
)

// StatusBlock is one parsed RALPH_STATUS region.
type StatusBlock struct {
	Status         BlockStatus `json:"status"`
	TasksCompleted int         `json:"tasks_completed_this_loop"`
	FilesModified  int         `json:"files_modified"`
	TestsStatus    TestsStatus `json:"tests_status,omitempty"`
	WorkType       string      `json:"work_type,omitempty"`
	ExitSignal     bool        `json:"exit_signal"`
	Recommendation string      `json:"recommendation,omitempty"`
	ParsedAt       time.Time   `json:"parsed_at"`
}

// LoopState is the tracker's view of the agent's work loop.
type LoopState struct {
	Enabled          bool      `json:"enabled"`
	Active           bool      `json:"active"`
	CycleCount       int       `json:"cycle_count"`
	MaxIterations    int       `json:"max_iterations,omitempty"`
	CompletionPhrase string    `json:"completion_phrase,omitempty"`
	AlternatePhrases []string  `json:"alternate_phrases,omitempty"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	LastConfidence   float64   `json:"last_confidence"`
}

// Counters are cumulative totals accumulated across status blocks.
type Counters struct {
	Blocks         int `json:"blocks"`
	TasksCompleted int `json:"tasks_completed"`
	FilesModified  int `json:"files_modified"`
	CompleteBlocks int `json:"complete_blocks"`
}

// State is a full tracker snapshot.
type State struct {
	Loop     LoopState `json:"loop"`
	Todos    []Todo    `json:"todos"`
	Counters Counters  `json:"counters"`
}

// Events are the tracker's emission sinks. All callbacks are invoked
// from the feeding goroutine (or a debounce timer) with the tracker
// lock released.
type Events struct {
	OnEnabled            func()
	OnLoopUpdate         func(LoopState)
	OnTodoUpdate         func([]Todo)
	OnCompletionDetected func(phrase string, confidence float64)
	// OnCompletionIndicator fires on prose completion announcements
	// ("all tasks complete", "nothing remaining"). Weaker than
	// OnCompletionDetected: it feeds the controller's exit gate but
	// never deactivates the loop by itself.
	OnCompletionIndicator func(line string)
	OnStatusBlock         func(StatusBlock)
	OnPhraseWarning      func(phrase, suggestion string)
}

// Capacity limits. Every map and accumulator is bounded.
const (
	maxTodos          = 50
	maxLineAccumulate = 256 * 1024
	maxPartialPromise = 256
	maxOccurrences    = 50
	maxTaskNumbers    = 100

	todoExpiry    = time.Hour
	sweepInterval = 30 * time.Second
	debounceDelay = 50 * time.Millisecond
)
