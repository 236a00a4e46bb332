package session

import (
	"regexp"
	"strings"

	"github.com/tuzig/vt10x"
)

// Terminal-derived activity classification.
//
// The agent's TUI shows a visible prompt glyph when it is waiting for
// input and spinner glyphs plus gerund words while it works. Detection
// runs over the vt10x screen state, not the raw byte stream, so partial
// redraws and cursor games don't confuse it.

type activity int

const (
	activityUnknown activity = iota
	activityWorking
	activityPromptVisible
)

// promptGlyph is the visible prompt marker of the hosted agent's line editor.
const promptGlyph = "❯"

var spinnerGlyphs = []rune("✻✽✶✳✢·∴*⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// workingWordPattern matches the agent's progress verbs when shown with a
// spinner or ellipsis ("✻ Thinking…", "Writing file.. (esc to interrupt)").
var workingWordPattern = regexp.MustCompile(`\b(Thinking|Writing|Reading|Running|Searching|Planning|Executing)(\.{2,}|…)`)

// detectActivity classifies the visible terminal lines.
// Working indicators win over a visible prompt: the agent redraws its
// input box while streaming, so the glyph alone is not proof of idleness.
func detectActivity(lines []string) activity {
	prompt := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			continue
		}
		if workingWordPattern.MatchString(trimmed) {
			return activityWorking
		}
		if lineHasSpinner(trimmed) {
			return activityWorking
		}
		if strings.Contains(trimmed, promptGlyph) {
			prompt = true
		}
	}
	if prompt {
		return activityPromptVisible
	}
	return activityUnknown
}

func lineHasSpinner(line string) bool {
	for _, r := range line {
		for _, g := range spinnerGlyphs {
			if r == g {
				return true
			}
		}
		// spinners lead the line; don't scan prose
		break
	}
	return false
}

// visibleLines extracts the text rows of a vt10x terminal.
func visibleLines(term vt10x.Terminal, cols, rows int) []string {
	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, 0, cols)
		for col := 0; col < cols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = string(chars)
	}
	return lines
}

// Token and cost extraction from the agent's status line.

var (
	tokenCountPattern = regexp.MustCompile(`(\d[\d,.]*)\s*k?\s*tokens`)
	costPattern       = regexp.MustCompile(`\$(\d+\.\d+)`)
)

// parseTokenCount extracts the newest "N tokens" figure from text,
// returning 0 when none is present. Figures like "12.5k tokens" are
// scaled.
func parseTokenCount(text string) int64 {
	matches := tokenCountPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0
	}
	raw := matches[len(matches)-1][1]
	full := matches[len(matches)-1][0]
	scaled := strings.Contains(full, "k")

	raw = strings.ReplaceAll(raw, ",", "")
	var value float64
	var intPart int64
	if i := strings.Index(raw, "."); i >= 0 && scaled {
		// "12.5k"
		whole := raw[:i]
		frac := raw[i+1:]
		for _, c := range whole {
			intPart = intPart*10 + int64(c-'0')
		}
		value = float64(intPart)
		div := 10.0
		for _, c := range frac {
			value += float64(c-'0') / div
			div *= 10
		}
	} else {
		raw = strings.ReplaceAll(raw, ".", "")
		for _, c := range raw {
			if c < '0' || c > '9' {
				return 0
			}
			intPart = intPart*10 + int64(c-'0')
		}
		value = float64(intPart)
	}
	if scaled {
		value *= 1000
	}
	return int64(value)
}

// parseCost extracts the newest "$N.NN" figure from text.
func parseCost(text string) float64 {
	matches := costPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0
	}
	raw := matches[len(matches)-1][1]
	var whole int64
	var frac float64
	div := 1.0
	inFrac := false
	for _, c := range raw {
		if c == '.' {
			inFrac = true
			continue
		}
		if inFrac {
			div *= 10
			frac += float64(c-'0') / div
		} else {
			whole = whole*10 + int64(c-'0')
		}
	}
	return float64(whole) + frac
}
