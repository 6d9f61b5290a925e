package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralexstokes/scryer/internal/store"
)

// buildPrompt assembles the Markdown prompt handed to the generator:
// task statement, issue metadata, body, hard rules, required output,
// and a conventions appendix read from the repository.
func (r *Runner) buildPrompt(issue *store.Issue) string {
	title := strings.TrimSpace(issue.Title)
	var body, url string
	if issue.Body != nil {
		body = strings.TrimSpace(*issue.Body)
	}
	if issue.URL != nil {
		url = strings.TrimSpace(*issue.URL)
	}
	if body == "" {
		body = "(No issue body provided.)"
	}

	lines := []string{
		"# Task",
		"Implement the enhancement described in this GitHub issue.",
		"",
		"## Issue",
		fmt.Sprintf("- Number: %d", issue.ID),
		fmt.Sprintf("- Title: %s", title),
		fmt.Sprintf("- URL: %s", url),
		"",
		"### Body",
		body,
		"",
		"## Hard Rules",
		"- Keep changes minimal and reviewable.",
		"- Do not modify unrelated files.",
		"- Run relevant tests/linters if they are available and straightforward.",
		"- If requirements are unclear, stop and explain what is missing instead of guessing.",
		"",
		"## Required Final Output",
		"- If you are ready for the final output, make a refactor pass on the full change set and include those.",
		"- A brief summary of what changed.",
		"- Exact commands used to verify the change.",
		"",
	}

	if conventions := r.loadConventions(); len(conventions) > 0 {
		lines = append(lines, "## Repository Conventions")
		lines = append(lines, conventions...)
		lines = append(lines, "")
	}

	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}

// loadConventions reads each configured conventions file that exists in
// the repository root and is non-empty, as its own titled section.
func (r *Runner) loadConventions() []string {
	var sections []string
	for _, filename := range r.cfg.ConventionsFiles {
		path := filepath.Join(r.repoRoot, filename)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		sections = append(sections, "### "+filename, text, "")
	}
	return sections
}
