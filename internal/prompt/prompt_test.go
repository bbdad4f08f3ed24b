package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/overseer/internal/task"
)

func testInput() Input {
	tk := task.New("add retry logic", "https://github.com/acme/widgets.git", "main")
	tk.Description = "wrap the fetch loop in a retry"
	return Input{Task: tk}
}

func TestSelectVariant(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Input)
		want Variant
	}{
		{"default", func(*Input) {}, VariantTask},
		{"resume with feedback", func(in *Input) {
			in.IsResume = true
			in.ReviewFeedback = "rename the helper"
		}, VariantResume},
		{"resume without feedback falls back", func(in *Input) {
			in.IsResume = true
		}, VariantTask},
		{"empty repo", func(in *Input) { in.IsEmptyRepo = true }, VariantEmptyRepo},
		{"plan only", func(in *Input) { in.PlanOnly = true }, VariantPlanOnly},
		{"approved plan", func(in *Input) { in.ApprovedPlan = "1. do it" }, VariantImplementPlan},
		{"approved plan beats plan only", func(in *Input) {
			in.PlanOnly = true
			in.ApprovedPlan = "1. do it"
		}, VariantImplementPlan},
		{"approved plan beats empty repo", func(in *Input) {
			in.ApprovedPlan = "1. do it"
			in.IsEmptyRepo = true
		}, VariantImplementPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput()
			tt.mod(&in)
			assert.Equal(t, tt.want, SelectVariant(in))
		})
	}
}

func TestBuildTaskVariant(t *testing.T) {
	in := testInput()
	in.Repository = &task.Repository{
		Conventions: "tests use testify",
		LearnedPatterns: []task.LearnedPattern{
			{Pattern: "errors wrap with %w"},
		},
	}

	out, err := Build(in, "")
	require.NoError(t, err)
	assert.Contains(t, out, "add retry logic")
	assert.Contains(t, out, "wrap the fetch loop")
	assert.Contains(t, out, in.Task.BranchName)
	assert.Contains(t, out, "tests use testify")
	assert.Contains(t, out, "errors wrap with %w")
	assert.Contains(t, out, "Forbidden actions")
	assert.Contains(t, out, "version-control")
}

func TestBuildPlanOnlyOmitsForbiddenClause(t *testing.T) {
	in := testInput()
	in.PlanOnly = true

	out, err := Build(in, "")
	require.NoError(t, err)
	assert.Contains(t, out, "Do NOT write or modify any files")
	assert.NotContains(t, out, "Forbidden actions")
}

func TestBuildResumeIncludesFeedback(t *testing.T) {
	in := testInput()
	in.IsResume = true
	in.ReviewFeedback = "please rename the helper"

	out, err := Build(in, "")
	require.NoError(t, err)
	assert.Contains(t, out, "please rename the helper")
	assert.Contains(t, out, "resuming after review")
}

func TestBuildImplementPlanIncludesPlan(t *testing.T) {
	in := testInput()
	in.ApprovedPlan = "1. add retry\n2. test it"

	out, err := Build(in, "")
	require.NoError(t, err)
	assert.Contains(t, out, "1. add retry")
	assert.Contains(t, out, "Approved plan")
}

func TestResolveContextFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "internal", "fetch"), 0755))
	for _, f := range []string{"internal/fetch/a.go", "internal/fetch/b.go", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0644))
	}

	got := ResolveContextFiles([]string{"internal/**/*.go", "README.md", "missing/*.go"}, dir)
	assert.Equal(t, []string{
		"internal/fetch/a.go",
		"internal/fetch/b.go",
		"README.md",
		"missing/*.go",
	}, got)

	// Without a worktree, patterns pass through untouched.
	got = ResolveContextFiles([]string{"internal/**/*.go"}, "")
	assert.Equal(t, []string{"internal/**/*.go"}, got)

	assert.Nil(t, ResolveContextFiles(nil, dir))
}
