package classify

import (
	"strings"
)

// Metadata lines the dry-run analysis prints around its candidate list.
// These are never import candidates.
var skipMarkers = []string{
	"# group:",
	"to import",
	"file(s)",
	"group(s)",
	"call(s)",
	"parsed into",
	"setid",
	"reader:",
	"dry run",
	"would import",
}

// Phrases that explicitly signal an unsupported file format, matched
// case-insensitively against combined stdout+stderr.
var incompatibleMarkers = []string{
	"unsupported",
	"unknown format",
	"no suitable reader",
	"cannot read",
	"not a supported",
	"cannot determine reader",
	"no reader found",
	"failed to determine reader",
}

// Fatal indicators on stderr that mean the check itself failed rather than
// the format being unsupported.
var fatalIndicators = []string{
	"no such file",
	"permission denied",
	"timeout",
}

// classifyOutput derives the compatibility verdict from the tool's text
// output. The process exit code is deliberately ignored: the dry-run flag
// returns success even for unsupported formats.
//
// Stdout is checked first because the tool commonly writes warnings to stderr
// (logging frameworks, reflection notices) that would cause false "error"
// verdicts if stderr were checked first.
func classifyOutput(stdout, stderr string) (Status, string) {
	details := strings.TrimSpace(stderr)
	if details == "" {
		details = strings.TrimSpace(stdout)
	}
	lowered := strings.ToLower(strings.TrimSpace(stdout)) + " " + strings.ToLower(strings.TrimSpace(stderr))

	// 1. Import candidates in stdout mean the file IS compatible, regardless
	// of any warnings on stderr.
	if hasImportCandidates(stdout) {
		return StatusCompatible, "file format supported for import"
	}

	// 2. Explicit incompatibility messages, in stdout or stderr.
	for _, marker := range incompatibleMarkers {
		if strings.Contains(lowered, marker) {
			return StatusIncompatible, details
		}
	}

	// 3. No candidates and no clear incompatibility signal: fatal errors on
	// stderr (missing file, tool crash) are check failures.
	if trimmed := strings.TrimSpace(stderr); trimmed != "" {
		stderrLower := strings.ToLower(trimmed)
		for _, indicator := range fatalIndicators {
			if strings.Contains(stderrLower, indicator) {
				return StatusError, trimmed
			}
		}
	}

	// 4. Fail closed: never default to compatible.
	if details == "" {
		details = "no importable files detected"
	}
	return StatusIncompatible, details
}

// hasImportCandidates reports whether the dry-run output contains at least
// one actual import candidate. Candidates are non-empty, non-comment,
// non-metadata lines that look like file paths.
func hasImportCandidates(output string) bool {
	return len(importCandidates(output)) > 0
}

// importCandidates extracts the file paths the tool would import.
func importCandidates(output string) []string {
	if strings.TrimSpace(output) == "" {
		return nil
	}

	var candidates []string
	for line := range strings.Lines(output) {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}

		strippedLower := strings.ToLower(stripped)
		skip := false
		for _, marker := range skipMarkers {
			if strings.Contains(strippedLower, marker) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		// Path-like lines only: a separator or an extension.
		if strings.ContainsAny(stripped, `/\`) || strings.Contains(stripped, ".") {
			candidates = append(candidates, stripped)
		}
	}
	return candidates
}
