package ralph

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Task-line detection. Five surface syntaxes, each with a dedicated
// pre-compiled pattern, evaluated in a fixed order per line. Patterns
// are package-level because they carry no mutable state.

var (
	// 1. Markdown checkbox: "- [ ] content", "* [x] content".
	checkboxPattern = regexp.MustCompile(`^\s*[-*]\s*\[([ xX~])\]\s+(.+)$`)

	// 2. Indicator icon: "☐ content", "☒ content", "⎿ ☐ content".
	indicatorPattern = regexp.MustCompile(`^\s*(?:⎿\s*)?([☐☒☑])\s+(.+)$`)

	// 3. Parenthesized status: "content (pending)", "3. content (in progress)".
	parenStatusPattern = regexp.MustCompile(`^\s*(?:\d+[.)]\s+)?(.+?)\s+\((pending|in[ _-]?progress|completed?|done)\)\s*$`)

	// 4. Native icon: "✅ content", "🔲 content", "⏳ content".
	nativeIconPattern = regexp.MustCompile(`^\s*(✅|🔲|⬜|⏳)\s+(.+)$`)

	// 5. Checkmark family: "✓ Task #3 created: content",
	//    "✗ Task #3 updated: status → completed", "✓ content".
	taskCreatedPattern = regexp.MustCompile(`^\s*[✓✔✗✘]?\s*Task\s+#(\d+)\s+created:?\s+(.+)$`)
	taskUpdatedPattern = regexp.MustCompile(`^\s*[✓✔✗✘]?\s*Task\s+#(\d+)\s+updated:?\s+status\s*(?:→|->)\s*(\w+)`)
	checkmarkPattern   = regexp.MustCompile(`^\s*([✓✔✗✘])\s+(.+)$`)

	priorityPattern = regexp.MustCompile(`\[(P[012])\]\s*`)
)

// toolInvocations and narratorPrefixes filter lines that look like task
// items but are tool calls or the agent narrating its next move.
var toolInvocations = []string{
	"Bash(", "Glob(", "Grep(", "Read(", "Write(", "Edit(",
	"Task(", "WebFetch(", "WebSearch(", "NotebookEdit(",
}

var narratorPrefixes = []string{
	"I'll ", "I will ", "Let me ", "Now I", "I'm ", "I am ",
	"Next, I", "First, I",
}

func isExcludedLine(line string) bool {
	for _, tool := range toolInvocations {
		if strings.Contains(line, tool) {
			return true
		}
	}
	trimmed := strings.TrimSpace(line)
	for _, prefix := range narratorPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// detectedTodo is the raw result of matching one line.
type detectedTodo struct {
	content  string
	status   TodoStatus
	priority Priority
	taskNum  int // 0 when the syntax carries no number
}

// detectTodoLine matches one stripped line against the supported
// syntaxes in order. Returns nil when the line is not a task.
func detectTodoLine(line string) *detectedTodo {
	if isExcludedLine(line) {
		return nil
	}

	if m := checkboxPattern.FindStringSubmatch(line); m != nil {
		status := TodoPending
		switch m[1] {
		case "x", "X":
			status = TodoCompleted
		case "~":
			status = TodoInProgress
		}
		return newDetected(m[2], status)
	}

	if m := indicatorPattern.FindStringSubmatch(line); m != nil {
		status := TodoPending
		if m[1] == "☒" || m[1] == "☑" {
			status = TodoCompleted
		}
		return newDetected(m[2], status)
	}

	if m := parenStatusPattern.FindStringSubmatch(line); m != nil {
		return newDetected(m[1], parenStatus(m[2]))
	}

	if m := nativeIconPattern.FindStringSubmatch(line); m != nil {
		status := TodoPending
		switch m[1] {
		case "✅":
			status = TodoCompleted
		case "⏳":
			status = TodoInProgress
		}
		return newDetected(m[2], status)
	}

	if m := taskCreatedPattern.FindStringSubmatch(line); m != nil {
		num, _ := strconv.Atoi(m[1])
		d := newDetected(m[2], TodoPending)
		if d != nil {
			d.taskNum = num
		}
		return d
	}
	if m := taskUpdatedPattern.FindStringSubmatch(line); m != nil {
		num, _ := strconv.Atoi(m[1])
		return &detectedTodo{status: parenStatus(m[2]), taskNum: num}
	}
	if m := checkmarkPattern.FindStringSubmatch(line); m != nil {
		status := TodoCompleted
		if m[1] == "✗" || m[1] == "✘" {
			status = TodoPending
		}
		return newDetected(m[2], status)
	}

	return nil
}

func newDetected(content string, status TodoStatus) *detectedTodo {
	priority := PriorityNone
	if m := priorityPattern.FindStringSubmatch(content); m != nil {
		priority = Priority(m[1])
		content = priorityPattern.ReplaceAllString(content, "")
	}
	content = normalizeContent(content)
	if len(content) < 5 {
		return nil
	}
	return &detectedTodo{content: content, status: status, priority: priority}
}

func parenStatus(s string) TodoStatus {
	switch strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(s)) {
	case "completed", "complete", "done":
		return TodoCompleted
	case "in_progress", "inprogress":
		return TodoInProgress
	default:
		return TodoPending
	}
}

func todoID(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(content)))
	return hex.EncodeToString(sum[:8])
}

// upsertTodo merges a detection into the set. Fuzzy-duplicate contents
// merge into the existing entry: the longer content wins, the newer
// timestamp wins, and completed status never demotes. Returns true when
// the set changed.
func (t *Tracker) upsertTodo(d *detectedTodo, now time.Time) bool {
	if d.taskNum > 0 {
		if d.content != "" {
			t.registerTaskNumber(d.taskNum, d.content)
		} else {
			content, ok := t.taskNumbers[d.taskNum]
			if !ok {
				return false
			}
			d.content = content
		}
	}

	for i := range t.todos {
		existing := &t.todos[i]
		if existing.ID == todoID(d.content) || shouldMerge(existing.Content, d.content) {
			changed := false
			if len(d.content) > len(existing.Content) {
				existing.Content = d.content
				changed = true
			}
			if existing.Status != d.status && !(existing.Status == TodoCompleted && d.status != TodoCompleted) {
				existing.Status = d.status
				changed = true
			}
			if d.priority != PriorityNone && existing.Priority != d.priority {
				existing.Priority = d.priority
				changed = true
			}
			if changed {
				existing.UpdatedAt = now
			}
			return changed
		}
	}

	t.todos = append(t.todos, Todo{
		ID:         todoID(d.content),
		Content:    d.content,
		Status:     d.status,
		Priority:   d.priority,
		DetectedAt: now,
		UpdatedAt:  now,
	})
	if len(t.todos) > maxTodos {
		// evict oldest by detection time
		sort.SliceStable(t.todos, func(i, j int) bool {
			return t.todos[i].DetectedAt.Before(t.todos[j].DetectedAt)
		})
		t.todos = t.todos[len(t.todos)-maxTodos:]
	}
	return true
}

// registerTaskNumber records the content for "Task #N" references,
// trimming the lowest numbers past the cap.
func (t *Tracker) registerTaskNumber(num int, content string) {
	t.taskNumbers[num] = content
	if len(t.taskNumbers) <= maxTaskNumbers {
		return
	}
	nums := make([]int, 0, len(t.taskNumbers))
	for n := range t.taskNumbers {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums[:len(nums)-maxTaskNumbers] {
		delete(t.taskNumbers, n)
	}
}
