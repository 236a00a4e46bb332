package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Request field limits.
const (
	maxNameLen    = 64
	maxPromptLen  = 100 * 1024
	maxInputLen   = 10 * 1024
	minTermDim    = 10
	maxTermDim    = 1000
	maxRunMinutes = 7 * 24 * 60
	maxTailBytes  = 2 * 1024 * 1024
)

var (
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9._ -]{1,64}$`)
	envKeyPattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

	// workingDirPattern allowlists path characters; anything outside
	// it is rejected even when the blocklist below misses it.
	workingDirPattern = regexp.MustCompile(`^(/[A-Za-z0-9._ -]+)+/?$`)

	// shellMeta are characters never valid in a working directory path;
	// the path ends up inside a multiplexer invocation.
	shellMeta = "`$;|&<>(){}[]!*?~'\"\\\n\r\x00"
)

var errEmptyWorkingDir = errors.New("working_dir is required")

func validateName(name string) error {
	if name == "" {
		return nil
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must match %s", namePattern.String())
	}
	return nil
}

func validateWorkingDir(dir string) error {
	if dir == "" {
		return errEmptyWorkingDir
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("working_dir must be absolute, got %q", dir)
	}
	if strings.ContainsAny(dir, shellMeta) {
		return fmt.Errorf("working_dir contains forbidden characters")
	}
	if !workingDirPattern.MatchString(dir) {
		return fmt.Errorf("working_dir must match %s", workingDirPattern.String())
	}
	return nil
}

func validateEnv(env map[string]string, allowPrefixes []string) error {
	for k, v := range env {
		if !envKeyPattern.MatchString(k) {
			return fmt.Errorf("invalid environment key %q", k)
		}
		allowed := false
		for _, prefix := range allowPrefixes {
			if strings.HasPrefix(k, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("environment key %q is not allowlisted", k)
		}
		if strings.ContainsAny(v, "\n\r\x00") {
			return fmt.Errorf("environment value for %q contains control characters", k)
		}
	}
	return nil
}

func validateCommand(command []string) error {
	for _, arg := range command {
		if strings.ContainsAny(arg, "\n\r\x00") {
			return fmt.Errorf("command argument contains control characters")
		}
	}
	return nil
}

func validateDims(cols, rows int) error {
	if cols < minTermDim || cols > maxTermDim || rows < minTermDim || rows > maxTermDim {
		return fmt.Errorf("terminal dimensions must be between %d and %d", minTermDim, maxTermDim)
	}
	return nil
}

func validatePrompt(prompt string) error {
	if prompt == "" {
		return errors.New("prompt is required")
	}
	if len(prompt) > maxPromptLen {
		return fmt.Errorf("prompt exceeds %d bytes", maxPromptLen)
	}
	return nil
}

func validateInput(text string) error {
	if text == "" {
		return errors.New("text is required")
	}
	if len(text) > maxInputLen {
		return fmt.Errorf("text exceeds %d bytes", maxInputLen)
	}
	return nil
}

func validateDuration(minutes int) error {
	if minutes <= 0 || minutes > maxRunMinutes {
		return fmt.Errorf("duration_minutes must be between 1 and %d", maxRunMinutes)
	}
	return nil
}

func clampTail(n int) int {
	if n <= 0 {
		return 64 * 1024
	}
	if n > maxTailBytes {
		return maxTailBytes
	}
	return n
}
