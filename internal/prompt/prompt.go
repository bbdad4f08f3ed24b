// Package prompt builds the instruction text handed to a coding CLI.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/randalmurphal/overseer/internal/task"
)

//go:embed templates/*.md
var templateFS embed.FS

// Variant selects which prompt template is rendered.
type Variant string

const (
	VariantTask          Variant = "task"
	VariantResume        Variant = "resume"
	VariantEmptyRepo     Variant = "empty-repo"
	VariantPlanOnly      Variant = "plan-only"
	VariantImplementPlan Variant = "implement-plan"
)

var variantFiles = map[Variant]string{
	VariantTask:          "templates/task.md",
	VariantResume:        "templates/resume.md",
	VariantEmptyRepo:     "templates/empty_repo.md",
	VariantPlanOnly:      "templates/plan_only.md",
	VariantImplementPlan: "templates/implement_plan.md",
}

// forbiddenClause is appended to every variant that lets the CLI touch
// files. Builds, tests, scripts, and version control belong to the
// orchestrator, not the agent.
const forbiddenClause = `
## Forbidden actions

You must NOT:
- run tests, builds, linters, or development servers
- execute scripts or arbitrary project commands
- use git or any other version-control command

The orchestrator handles committing, pushing, and verification. Limit
yourself to reading and writing files and explaining your changes.
`

// Input carries everything the builder needs to select and render a
// variant.
type Input struct {
	Task           *task.Task
	Repository     *task.Repository
	IsResume       bool
	ReviewFeedback string
	IsEmptyRepo    bool
	PlanOnly       bool
	ApprovedPlan   string
	AgentType      string
}

// SelectVariant applies the trigger precedence: an approved plan beats
// a plan-only request, which beats the empty-repo bootstrap, which
// beats a feedback resume.
func SelectVariant(in Input) Variant {
	switch {
	case in.ApprovedPlan != "":
		return VariantImplementPlan
	case in.PlanOnly:
		return VariantPlanOnly
	case in.IsEmptyRepo:
		return VariantEmptyRepo
	case in.IsResume && in.ReviewFeedback != "":
		return VariantResume
	default:
		return VariantTask
	}
}

type templateData struct {
	Title           string
	Description     string
	TargetBranch    string
	BranchName      string
	BuildCommand    string
	Conventions     string
	LearnedPatterns []string
	ContextFiles    []string
	Feedback        string
	Plan            string
}

var templates = template.Must(template.ParseFS(templateFS, "templates/*.md"))

// Build renders the prompt for the input. worktreePath is the root
// against which context-file globs are resolved; it may be empty when
// no worktree exists yet (plan-only on a fresh task).
func Build(in Input, worktreePath string) (string, error) {
	variant := SelectVariant(in)
	file, ok := variantFiles[variant]
	if !ok {
		return "", fmt.Errorf("unknown prompt variant %q", variant)
	}

	t := in.Task
	data := templateData{
		Title:        t.Title,
		Description:  t.Description,
		TargetBranch: t.TargetBranch,
		BranchName:   t.BranchName,
		BuildCommand: t.BuildCommand,
		Feedback:     in.ReviewFeedback,
		Plan:         in.ApprovedPlan,
		ContextFiles: ResolveContextFiles(t.ContextFiles, worktreePath),
	}
	if in.Repository != nil {
		data.Conventions = in.Repository.Conventions
		for _, p := range in.Repository.LearnedPatterns {
			data.LearnedPatterns = append(data.LearnedPatterns, p.Pattern)
		}
	}

	var b strings.Builder
	name := file[strings.Index(file, "/")+1:]
	if err := templates.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", variant, err)
	}
	if variant != VariantPlanOnly {
		b.WriteString(forbiddenClause)
	}
	return b.String(), nil
}

// ResolveContextFiles expands glob patterns against the worktree and
// returns the matching relative paths, sorted and deduplicated.
// Patterns that match nothing (or look like plain paths) pass through
// unchanged so the agent still sees the author's intent.
func ResolveContextFiles(patterns []string, worktreePath string) []string {
	if len(patterns) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(path string) {
		if _, dup := seen[path]; !dup {
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}

	for _, pattern := range patterns {
		if worktreePath == "" || !strings.ContainsAny(pattern, "*?[{") {
			add(pattern)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(worktreePath), pattern)
		if err != nil || len(matches) == 0 {
			add(pattern)
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(m)
		}
	}
	return out
}
