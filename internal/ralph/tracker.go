package ralph

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/common/ansi"
	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/logger"
)

const (
	statusBlockOpen  = "---RALPH_STATUS---"
	statusBlockClose = "---END_RALPH_STATUS---"

	promiseOpen  = "<promise>"
	promiseClose = "</promise>"
)

var (
	promisePattern = regexp.MustCompile(`<promise>([^<]{1,200})</promise>`)

	// enableBattery fires auto-enable on the first sign of a work loop.
	enableBattery = []*regexp.Regexp{
		regexp.MustCompile(`<promise>`),
		regexp.MustCompile(`---RALPH_STATUS---`),
		regexp.MustCompile(`(?i)\bralph\s+loop\b`),
		regexp.MustCompile(`@fix_plan\.md`),
	}
	enablePrefilter = []string{"<promise>", "RALPH_STATUS", "ralph", "Ralph", "fix_plan"}

	// allCompletePattern is the bounded English announcement form.
	allCompletePattern = regexp.MustCompile(`(?i)^all\s+(?:(\d+)\s+)?(?:tasks?|files?|items?|todos?)\s+(?:have\s+been\s+|are\s+|were\s+)?(?:complete[d]?|created|done|finished|implemented)\b`)

	// completionSentencePattern matches standalone prose announcements
	// that count toward the exit gate without touching the todo set.
	completionSentencePattern = regexp.MustCompile(`(?i)^(?:nothing\s+(?:remaining|left)(?:\s+to\s+do)?|no\s+(?:remaining|further|outstanding)\s+(?:tasks?|work|items?|todos?))[.!]?$`)

	nonAlnumPattern = regexp.MustCompile(`[^A-Z0-9]`)
	allDigits       = regexp.MustCompile(`^\d+$`)
)

// weakPhrases are completion phrases too generic to be trusted.
var weakPhrases = map[string]bool{
	"DONE": true, "OK": true, "COMPLETE": true, "COMPLETED": true,
	"FINISHED": true, "SUCCESS": true, "READY": true, "END": true,
	"YES": true, "FINISH": true,
}

// Tracker is the per-session streaming parser. One tracker per output
// stream; parser state (stripper, accumulators, occurrence maps) is
// never shared across sessions.
type Tracker struct {
	sessionID string
	logger    *logger.Logger
	cleanup   *cleanup.Manager
	events    Events

	mu sync.Mutex

	enabled     bool
	autoEnable  bool
	loop        LoopState
	counters    Counters
	todos       []Todo
	taskNumbers map[int]string

	stripper *ansi.Stripper
	lineAcc  []byte
	preAcc   []byte // output seen before auto-enable, replayed on enable
	partial  []byte // possible promise tag split across chunks

	inBlock    bool
	blockLines []string

	// occurrences counts promise-tag sightings per upper-cased phrase.
	occurrences map[string]int
	signaled    map[string]bool
	warned      map[string]bool

	planFileActive bool

	pendingLoop   bool
	pendingTodo   bool
	debounceTimer *time.Timer

	lastSweep time.Time
}

// New creates a disabled tracker that auto-enables on the first
// recognizable pattern.
func New(sessionID string, log *logger.Logger, cm *cleanup.Manager, events Events) *Tracker {
	return &Tracker{
		sessionID:   sessionID,
		logger:      log.WithComponent("ralph").WithSessionID(sessionID),
		cleanup:     cm,
		events:      events,
		autoEnable:  true,
		stripper:    ansi.NewStripper(),
		taskNumbers: make(map[int]string),
		occurrences: make(map[string]int),
		signaled:    make(map[string]bool),
		warned:      make(map[string]bool),
		lastSweep:   time.Now(),
	}
}

// Feed consumes one chunk of terminal output. Chunk boundaries are
// arbitrary; feeding a stream split at any offsets produces the same
// events as feeding it whole, except a partial promise tag is dropped
// if it outgrows its 256-byte carry buffer.
func (t *Tracker) Feed(chunk []byte) {
	var emissions []func()

	t.mu.Lock()
	stripped := t.stripper.Strip(chunk)

	if !t.enabled && t.autoEnable {
		// Accumulate until the enable battery fires, then replay the
		// accumulated prefix so enablement does not depend on how the
		// stream happened to be chunked.
		t.preAcc = append(t.preAcc, stripped...)
		if t.matchesEnableBattery(t.preAcc) {
			t.enabled = true
			t.loop.Enabled = true
			t.markLoopDirty()
			if t.events.OnEnabled != nil {
				emissions = append(emissions, t.events.OnEnabled)
			}
			t.logger.Info("tracker auto-enabled")
			replay := t.preAcc
			t.preAcc = nil
			stripped = replay
		} else {
			if len(t.preAcc) > maxLineAccumulate {
				t.preAcc = t.preAcc[len(t.preAcc)/2:]
			}
			stripped = nil
		}
	}

	if t.enabled && len(stripped) > 0 {
		emissions = append(emissions, t.scanPromises(stripped)...)
		emissions = append(emissions, t.accumulateLines(stripped)...)
	}
	if t.enabled {
		t.sweepIfDue()
	}
	flush := t.armDebounceLocked()
	t.mu.Unlock()

	for _, emit := range emissions {
		emit()
	}
	if flush != nil {
		flush()
	}
}

// matchesEnableBattery runs the cheap substring prefilter, then the
// regex battery only when a prefilter substring is present.
func (t *Tracker) matchesEnableBattery(data []byte) bool {
	s := string(data)
	hit := false
	for _, sub := range enablePrefilter {
		if strings.Contains(s, sub) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	for _, re := range enableBattery {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// scanPromises finds promise tags at the stream level, carrying a
// possible partial tag across the chunk boundary. Must hold t.mu.
func (t *Tracker) scanPromises(chunk []byte) []func() {
	text := string(t.partial) + string(chunk)
	t.partial = nil

	var emissions []func()
	matches := promisePattern.FindAllStringSubmatchIndex(text, -1)
	end := 0
	for _, m := range matches {
		phrase := strings.TrimSpace(text[m[2]:m[3]])
		if phrase != "" {
			emissions = append(emissions, t.handlePromise(phrase, 1.0)...)
		}
		end = m[1]
	}

	// Carry a trailing unterminated tag (or a prefix of the opening
	// marker) into the next chunk. Oversized partials are dropped.
	rest := text[end:]
	var suffix string
	if idx := strings.LastIndex(rest, promiseOpen); idx >= 0 && !strings.Contains(rest[idx:], promiseClose) {
		suffix = rest[idx:]
	} else if idx := strings.LastIndex(rest, "<"); idx >= 0 && strings.HasPrefix(promiseOpen, rest[idx:]) {
		suffix = rest[idx:]
	}
	if suffix != "" && len(suffix) <= maxPartialPromise {
		t.partial = []byte(suffix)
	}
	return emissions
}

// handlePromise applies the occurrence rules for a tagged phrase.
// Must hold t.mu.
func (t *Tracker) handlePromise(phrase string, confidence float64) []func() {
	key := strings.ToUpper(phrase)
	t.bumpOccurrence(key)
	t.loop.LastActivityAt = time.Now().UTC()

	var emissions []func()
	if warn := t.validatePhrase(phrase); warn != nil {
		emissions = append(emissions, warn)
	}

	if t.occurrences[key] == 1 && !t.loop.Active {
		// Prompt echo: remember the phrase, do not signal.
		if t.loop.CompletionPhrase == "" {
			t.loop.CompletionPhrase = phrase
		} else if !t.knownPhrase(phrase) {
			t.loop.AlternatePhrases = append(t.loop.AlternatePhrases, phrase)
		}
		t.markLoopDirty()
		return emissions
	}

	return append(emissions, t.signalCompletion(phrase, confidence)...)
}

// knownPhrase reports whether phrase matches the configured primary or
// an alternate within the fuzzy tolerance. Must hold t.mu.
func (t *Tracker) knownPhrase(phrase string) bool {
	if t.loop.CompletionPhrase != "" && fuzzyPhraseEqual(t.loop.CompletionPhrase, phrase) {
		return true
	}
	for _, alt := range t.loop.AlternatePhrases {
		if fuzzyPhraseEqual(alt, phrase) {
			return true
		}
	}
	return false
}

// signalCompletion fires completion exactly once per phrase until reset.
// Must hold t.mu.
func (t *Tracker) signalCompletion(phrase string, confidence float64) []func() {
	key := strings.ToUpper(phrase)
	if t.signaled[key] {
		return nil
	}
	t.signaled[key] = true
	t.loop.Active = false
	t.loop.LastConfidence = confidence
	for i := range t.todos {
		if t.todos[i].Status != TodoCompleted {
			t.todos[i].Status = TodoCompleted
			t.todos[i].UpdatedAt = time.Now().UTC()
		}
	}
	t.markLoopDirty()
	t.markTodoDirty()
	t.logger.Info("completion detected",
		zap.String("phrase", phrase),
		zap.Float64("confidence", confidence))

	if t.events.OnCompletionDetected == nil {
		return nil
	}
	return []func(){func() { t.events.OnCompletionDetected(phrase, confidence) }}
}

func (t *Tracker) bumpOccurrence(key string) {
	t.occurrences[key]++
	if len(t.occurrences) <= maxOccurrences {
		return
	}
	// trim the least-seen phrases
	type kv struct {
		k string
		v int
	}
	all := make([]kv, 0, len(t.occurrences))
	for k, v := range t.occurrences {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v < all[j].v })
	for _, e := range all[:len(all)-maxOccurrences] {
		delete(t.occurrences, e.k)
	}
}

// validatePhrase warns once per phrase that is too generic to be a
// reliable completion signal. Must hold t.mu.
func (t *Tracker) validatePhrase(phrase string) func() {
	key := strings.ToUpper(phrase)
	if t.warned[key] {
		return nil
	}
	normalized := nonAlnumPattern.ReplaceAllString(key, "")
	weak := weakPhrases[normalized] || len(normalized) < 6 || allDigits.MatchString(normalized)
	if !weak {
		return nil
	}
	t.warned[key] = true
	suggestion := "ALL_TASKS_COMPLETE"
	if normalized != "" && !allDigits.MatchString(normalized) {
		suggestion = normalized + "_CONFIRMED"
	}
	if t.events.OnPhraseWarning == nil {
		return nil
	}
	return func() { t.events.OnPhraseWarning(phrase, suggestion) }
}

// accumulateLines appends to the line accumulator and processes every
// completed line. Must hold t.mu.
func (t *Tracker) accumulateLines(chunk []byte) []func() {
	t.lineAcc = append(t.lineAcc, chunk...)
	if len(t.lineAcc) > maxLineAccumulate {
		t.lineAcc = t.lineAcc[len(t.lineAcc)/2:]
	}

	var emissions []func()
	for {
		idx := -1
		for i, b := range t.lineAcc {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(t.lineAcc[:idx]), "\r")
		t.lineAcc = t.lineAcc[idx+1:]
		emissions = append(emissions, t.processLine(line)...)
	}
	return emissions
}

// processLine runs the per-line parsers. Must hold t.mu.
func (t *Tracker) processLine(line string) []func() {
	trimmed := strings.TrimSpace(line)

	if t.inBlock {
		if strings.Contains(trimmed, statusBlockClose) {
			t.inBlock = false
			return t.finishBlock()
		}
		t.blockLines = append(t.blockLines, trimmed)
		if len(t.blockLines) > 100 {
			// runaway block, discard
			t.inBlock = false
			t.blockLines = nil
		}
		return nil
	}
	if strings.Contains(trimmed, statusBlockOpen) {
		t.inBlock = true
		t.blockLines = nil
		return nil
	}

	var emissions []func()

	if !t.planFileActive {
		if d := detectTodoLine(line); d != nil {
			if t.upsertTodo(d, time.Now().UTC()) {
				t.markTodoDirty()
			}
		}
	}

	emissions = append(emissions, t.checkBarePhrase(trimmed)...)
	emissions = append(emissions, t.checkAllComplete(trimmed)...)
	emissions = append(emissions, t.checkCompletionSentence(trimmed)...)
	return emissions
}

// promptContext reports whether a line is part of an instruction rather
// than agent output: it carries the tagging markup or phrase-template
// language.
func promptContext(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, promiseOpen) ||
		strings.Contains(lower, "output:") ||
		strings.Contains(lower, "completion phrase") ||
		strings.Contains(lower, "output exactly")
}

// checkBarePhrase detects an untagged appearance of a known completion
// phrase. Must hold t.mu.
func (t *Tracker) checkBarePhrase(line string) []func() {
	if line == "" || promptContext(line) {
		return nil
	}
	phrases := make([]string, 0, 1+len(t.loop.AlternatePhrases))
	if t.loop.CompletionPhrase != "" {
		phrases = append(phrases, t.loop.CompletionPhrase)
	}
	phrases = append(phrases, t.loop.AlternatePhrases...)

	for _, phrase := range phrases {
		seen := t.occurrences[strings.ToUpper(phrase)] >= 1
		if !seen && !t.loop.Active {
			continue
		}
		if fuzzyContains(line, phrase) {
			return t.signalCompletion(phrase, 0.8)
		}
	}
	return nil
}

// checkAllComplete applies the English "all tasks complete" form with
// its guards: not prompt context, at least one tracked todo, and any
// explicit count within two of the tracked count. Must hold t.mu.
func (t *Tracker) checkAllComplete(line string) []func() {
	if len(line) > 100 || len(t.todos) == 0 || promptContext(line) {
		return nil
	}
	m := allCompletePattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	if m[1] != "" {
		count, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		diff := count - len(t.todos)
		if diff < -2 || diff > 2 {
			return nil
		}
	}
	now := time.Now().UTC()
	changed := false
	for i := range t.todos {
		if t.todos[i].Status != TodoCompleted {
			t.todos[i].Status = TodoCompleted
			t.todos[i].UpdatedAt = now
			changed = true
		}
	}
	if changed {
		t.markTodoDirty()
	}
	if t.events.OnCompletionIndicator == nil {
		return nil
	}
	return []func(){func() { t.events.OnCompletionIndicator(line) }}
}

// checkCompletionSentence detects prose like "nothing remaining" that
// carries no todo count. It only feeds the exit gate. Must hold t.mu.
func (t *Tracker) checkCompletionSentence(line string) []func() {
	if line == "" || len(line) > 100 || promptContext(line) {
		return nil
	}
	if !completionSentencePattern.MatchString(line) {
		return nil
	}
	if t.events.OnCompletionIndicator == nil {
		return nil
	}
	return []func(){func() { t.events.OnCompletionIndicator(line) }}
}

// finishBlock parses the accumulated block lines. Blocks without a
// STATUS key are discarded. Must hold t.mu.
func (t *Tracker) finishBlock() []func() {
	lines := t.blockLines
	t.blockLines = nil

	block := StatusBlock{ParsedAt: time.Now().UTC(), TasksCompleted: -1, FilesModified: -1}
	hasStatus := false
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "STATUS":
			switch BlockStatus(strings.ToUpper(value)) {
			case BlockInProgress, BlockComplete, BlockBlocked, BlockError:
				block.Status = BlockStatus(strings.ToUpper(value))
				hasStatus = true
			}
		case "TASKS_COMPLETED_THIS_LOOP", "TASKS_COMPLETED":
			if n, err := strconv.Atoi(value); err == nil {
				block.TasksCompleted = n
			}
		case "FILES_MODIFIED":
			if n, err := strconv.Atoi(value); err == nil {
				block.FilesModified = n
			}
		case "TESTS_STATUS":
			switch TestsStatus(strings.ToUpper(value)) {
			case TestsPassing, TestsFailing, TestsNotRun:
				block.TestsStatus = TestsStatus(strings.ToUpper(value))
			}
		case "WORK_TYPE":
			block.WorkType = value
		case "EXIT_SIGNAL":
			block.ExitSignal = strings.EqualFold(value, "true")
		case "RECOMMENDATION":
			block.Recommendation = value
		}
	}
	if !hasStatus {
		t.logger.Debug("discarded status block without STATUS key")
		return nil
	}
	if block.TasksCompleted < 0 {
		block.TasksCompleted = 0
	}
	if block.FilesModified < 0 {
		block.FilesModified = 0
	}

	t.counters.Blocks++
	t.counters.TasksCompleted += block.TasksCompleted
	t.counters.FilesModified += block.FilesModified
	if block.Status == BlockComplete {
		t.counters.CompleteBlocks++
	}
	t.loop.LastActivityAt = block.ParsedAt
	t.markLoopDirty()

	if t.events.OnStatusBlock == nil {
		return nil
	}
	return []func(){func() { t.events.OnStatusBlock(block) }}
}

// sweepIfDue expires stale todos and trims oversized maps, at most once
// per sweep interval. Must hold t.mu.
func (t *Tracker) sweepIfDue() {
	now := time.Now()
	if now.Sub(t.lastSweep) < sweepInterval {
		return
	}
	t.lastSweep = now

	kept := t.todos[:0]
	for _, todo := range t.todos {
		if now.Sub(todo.UpdatedAt) < todoExpiry {
			kept = append(kept, todo)
		}
	}
	if len(kept) != len(t.todos) {
		t.todos = kept
		t.markTodoDirty()
	}
}

// Debounced emission of loopUpdate and todoUpdate.

func (t *Tracker) markLoopDirty() { t.pendingLoop = true }
func (t *Tracker) markTodoDirty() { t.pendingTodo = true }

// armDebounceLocked schedules the coalesced emission. Must hold t.mu.
// Returns a non-nil immediate flush only when the cleanup manager is
// already disposed (shutdown path).
func (t *Tracker) armDebounceLocked() func() {
	if !t.pendingLoop && !t.pendingTodo {
		return nil
	}
	if t.debounceTimer != nil {
		return nil
	}
	if t.cleanup.Disposed() {
		return t.drainPendingLocked()
	}
	t.debounceTimer = t.cleanup.AfterFunc(debounceDelay, func() {
		t.mu.Lock()
		t.debounceTimer = nil
		flush := t.drainPendingLocked()
		t.mu.Unlock()
		if flush != nil {
			flush()
		}
	})
	return nil
}

// drainPendingLocked collects the pending emissions. Must hold t.mu.
func (t *Tracker) drainPendingLocked() func() {
	emitLoop := t.pendingLoop
	emitTodo := t.pendingTodo
	t.pendingLoop = false
	t.pendingTodo = false
	if !emitLoop && !emitTodo {
		return nil
	}

	loop := t.loop
	todos := make([]Todo, len(t.todos))
	copy(todos, t.todos)

	return func() {
		if emitLoop && t.events.OnLoopUpdate != nil {
			t.events.OnLoopUpdate(loop)
		}
		if emitTodo && t.events.OnTodoUpdate != nil {
			t.events.OnTodoUpdate(todos)
		}
	}
}

// FlushPendingEvents emits any debounced updates immediately. Call
// before snapshotting and on shutdown so no emission is swallowed by a
// pending timer.
func (t *Tracker) FlushPendingEvents() {
	t.mu.Lock()
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
		t.debounceTimer = nil
	}
	flush := t.drainPendingLocked()
	t.mu.Unlock()
	if flush != nil {
		flush()
	}
}

// Snapshot returns the tracker state after flushing pending emissions.
func (t *Tracker) Snapshot() State {
	t.FlushPendingEvents()

	t.mu.Lock()
	defer t.mu.Unlock()
	todos := make([]Todo, len(t.todos))
	copy(todos, t.todos)
	return State{Loop: t.loop, Todos: todos, Counters: t.counters}
}

// Configure sets the primary completion phrase and iteration cap.
func (t *Tracker) Configure(phrase string, maxIterations int) {
	t.mu.Lock()
	if phrase != "" {
		t.loop.CompletionPhrase = phrase
		t.enabled = true
		t.loop.Enabled = true
	}
	if maxIterations > 0 {
		t.loop.MaxIterations = maxIterations
	}
	t.markLoopDirty()
	flush := t.armDebounceLocked()
	t.mu.Unlock()
	if flush != nil {
		flush()
	}
}

// AddAlternatePhrase registers an additional completion phrase.
func (t *Tracker) AddAlternatePhrase(phrase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, alt := range t.loop.AlternatePhrases {
		if strings.EqualFold(alt, phrase) {
			return
		}
	}
	t.loop.AlternatePhrases = append(t.loop.AlternatePhrases, phrase)
	t.markLoopDirty()
}

// RemoveAlternatePhrase drops an alternate completion phrase.
func (t *Tracker) RemoveAlternatePhrase(phrase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.loop.AlternatePhrases[:0]
	for _, alt := range t.loop.AlternatePhrases {
		if !strings.EqualFold(alt, phrase) {
			kept = append(kept, alt)
		}
	}
	t.loop.AlternatePhrases = kept
	t.markLoopDirty()
}

// SetLoopActive flips the running flag (driven by the respawn
// controller's cycle lifecycle).
func (t *Tracker) SetLoopActive(active bool) {
	t.mu.Lock()
	t.loop.Active = active
	if active {
		t.loop.Enabled = true
		t.enabled = true
	}
	t.markLoopDirty()
	flush := t.armDebounceLocked()
	t.mu.Unlock()
	if flush != nil {
		flush()
	}
}

// BumpCycle increments the loop iteration counter.
func (t *Tracker) BumpCycle() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loop.CycleCount++
	t.loop.LastActivityAt = time.Now().UTC()
	t.markLoopDirty()
	return t.loop.CycleCount
}

// SetPlanFileActive suppresses output-based todo detection while a
// delimited plan file in the working directory is authoritative.
func (t *Tracker) SetPlanFileActive(active bool) {
	t.mu.Lock()
	t.planFileActive = active
	t.mu.Unlock()
}

// ReplaceTodos overwrites the tracked set (plan-file watcher path).
func (t *Tracker) ReplaceTodos(todos []Todo) {
	t.mu.Lock()
	t.todos = make([]Todo, len(todos))
	copy(t.todos, todos)
	t.markTodoDirty()
	flush := t.armDebounceLocked()
	t.mu.Unlock()
	if flush != nil {
		flush()
	}
}

// Reset clears completion signaling and occurrence history so a new run
// can reuse the same phrases. Todos and counters survive.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.signaled = make(map[string]bool)
	t.occurrences = make(map[string]int)
	t.loop.Active = false
	t.loop.CycleCount = 0
	t.loop.LastConfidence = 0
	t.markLoopDirty()
	flush := t.armDebounceLocked()
	t.mu.Unlock()
	if flush != nil {
		flush()
	}
}
