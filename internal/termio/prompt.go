package termio

import "strings"

// promptWindowBytes bounds how much of the newest output is scanned for a
// prompt. Old prompts far up the scrollback do not count as readiness.
const promptWindowBytes = 2048

// HasPrompt reports whether cleaned output ends in something that looks like
// an interactive input prompt. cli narrows the pattern set for CLIs with a
// distinctive prompt.
func HasPrompt(cli, cleaned string) bool {
	if cleaned == "" {
		return false
	}
	region := cleaned
	if len(region) > promptWindowBytes {
		region = region[ceilRuneBoundary([]byte(region), len(region)-promptWindowBytes):]
	}

	lowerCLI := strings.ToLower(cli)
	patterns := []string{"> ", "$ ", ">>> ", "›"}
	if strings.Contains(lowerCLI, "codex") {
		patterns = append(patterns, "codex> ")
	}
	for _, p := range patterns {
		if strings.Contains(region, p) {
			return true
		}
	}

	// Some CLIs draw the prompt as a bare glyph on its own line.
	lines := strings.Split(region, "\n")
	checked := 0
	for i := len(lines) - 1; i >= 0 && checked < 6; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		checked++
		switch trimmed {
		case "›", ">", "$", ">>>":
			return true
		}
		if strings.Contains(lowerCLI, "codex") && strings.EqualFold(trimmed, "codex>") {
			return true
		}
	}
	return false
}

// ExitRequested reports whether the agent typed a lone /exit command,
// asking the broker to release it.
func ExitRequested(cleaned string) bool {
	for _, line := range strings.Split(cleaned, "\n") {
		if strings.TrimSpace(line) == "/exit" {
			return true
		}
	}
	return false
}
