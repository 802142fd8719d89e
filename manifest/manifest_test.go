package manifest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daedaleanai/edaflow/flow"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	filePath := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0644))
}

func commit(t *testing.T, repo *git.Repository, name, message string) string {
	t.Helper()
	worktree, err := repo.Worktree()
	require.NoError(t, err)
	_, err = worktree.Add(name)
	require.NoError(t, err)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "Jane Doe", Email: "jane@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

// copyExecutor stands in for the don't-use marking utility.
type copyExecutor struct{}

func (copyExecutor) Execute(_ context.Context, spec flow.ProcessSpec, _ io.Writer) (int, error) {
	var in, out string
	for i := 0; i+1 < len(spec.Args); i++ {
		switch spec.Args[i] {
		case "-i":
			in = spec.Args[i+1]
		case "-o":
			out = spec.Args[i+1]
		}
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return 1, nil
	}
	return 0, os.WriteFile(out, data, 0644)
}

func newFlowHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	writeFile(t, home, "designs/src/gcd/gcd.v", "module gcd(); endmodule\n")
	writeFile(t, home, "designs/nangate45/gcd/constraint.sdc", "create_clock -period 460 [get_ports clk]\n")
	writeFile(t, home, "designs/nangate45/gcd/config.mk", "export DESIGN_NAME = gcd\n")
	writeFile(t, home, "platforms/nangate45/config.mk", "export LIB_FILES = $(PLATFORM_DIR)/lib/cells.lib\nexport DONT_USE_CELLS = FILLCELL_X1\n")
	writeFile(t, home, "platforms/nangate45/lib/cells.lib", "library(cells) {}\n")
	return home
}

func TestGenerate(t *testing.T) {
	home := newFlowHome(t)
	p := flow.New(&flow.Runner{Exec: copyExecutor{}})

	_, err := Generate(p)
	assert.ErrorIs(t, err, flow.ErrStageNotRun)

	require.NoError(t, p.Setup(context.Background(), flow.SetupOptions{DesignName: "gcd", Platform: "nangate45", FlowHome: home, NumCores: 1}))
	m, err := Generate(p)
	require.NoError(t, err)

	assert.Equal(t, "gcd", m.Design)
	assert.Equal(t, "nangate45", m.Platform)
	assert.Equal(t, "base", m.FlowVariant)
	assert.NotEmpty(t, m.RunID)
	assert.Nil(t, m.Revision)
	require.Len(t, m.Stages, 1)
	assert.Equal(t, "setup", m.Stages[0].Stage)
	assert.Equal(t, StatusDone, m.Stages[0].Status)

	manifestPath, err := Write(m, p.Context().LogDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.Context().LogDir(), FileName), manifestPath)

	read, err := Read(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, m.RunID, read.RunID)
	assert.Equal(t, m.Stages[0].Duration, read.Stages[0].Duration)
	assert.False(t, Diff(read, m).Differ)
}

func TestReadRevision(t *testing.T) {
	dir := t.TempDir()
	revision, err := ReadRevision(dir)
	require.NoError(t, err)
	assert.Nil(t, revision)

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	writeFile(t, dir, "designs/src/gcd/gcd.v", "module gcd(); endmodule\n")
	hash := commit(t, repo, "designs/src/gcd/gcd.v", "Add gcd")

	revision, err = ReadRevision(filepath.Join(dir, "designs"))
	require.NoError(t, err)
	require.NotNil(t, revision)
	assert.Equal(t, Revision{Hash: hash, Dirty: false}, *revision)

	writeFile(t, dir, "designs/src/gcd/gcd.v", "module gcd(input clk); endmodule\n")
	revision, err = ReadRevision(dir)
	require.NoError(t, err)
	assert.Equal(t, Revision{Hash: hash, Dirty: true}, *revision)
}

func TestDiffStages(t *testing.T) {
	old := Manifest{
		EdaflowVersion: "v0.3.0",
		Design:         "gcd",
		Platform:       "nangate45",
		FlowVariant:    "base",
		Stages: []StageRecord{
			{Stage: "setup", Status: StatusDone},
			{Stage: "synth", Status: StatusDone, Output: "1_synth.v"},
			{Stage: "floorplan", Status: StatusFailed, Error: "floorplan: exit status 1", Steps: []Step{{Name: "2_1_floorplan", Status: 1}}},
		},
	}
	current := Manifest{
		EdaflowVersion: "v0.3.1",
		Design:         "gcd",
		Platform:       "nangate45",
		FlowVariant:    "base",
		Stages: []StageRecord{
			{Stage: "setup", Status: StatusDone, Duration: time.Second},
			{Stage: "floorplan", Status: StatusDone, Output: "2_floorplan.odb", Steps: []Step{{Name: "2_1_floorplan", Status: 0}}},
			{Stage: "place", Status: StatusDone, Output: "3_place.odb"},
		},
	}

	diff := Diff(current, old)
	assert.True(t, diff.Differ)
	assert.Equal(t, "edaflow version changed from v0.3.0 to v0.3.1", diff.EdaflowVersion)
	assert.Empty(t, diff.Design)
	require.Len(t, diff.ModifiedStages, 1)
	assert.Equal(t, "floorplan", diff.ModifiedStages[0].New.Stage)
	assert.Equal(t, StatusFailed, diff.ModifiedStages[0].Old.Status)
	require.Len(t, diff.AddedStages, 1)
	assert.Equal(t, "place", diff.AddedStages[0].Stage)
	require.Len(t, diff.RemovedStages, 1)
	assert.Equal(t, "synth", diff.RemovedStages[0].Stage)
}

func TestDiffRevision(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	writeFile(t, dir, "a.txt", "a\n")
	first := commit(t, repo, "a.txt", "First")
	writeFile(t, dir, "b.txt", "b\n")
	second := commit(t, repo, "b.txt", "Second\n\nLonger description.")
	writeFile(t, dir, "c.txt", "c\n")
	third := commit(t, repo, "c.txt", "Third")

	old := Manifest{FlowHome: dir, Revision: &Revision{Hash: first}}
	current := Manifest{FlowHome: dir, Revision: &Revision{Hash: third}}
	diff := Diff(current, old)
	assert.True(t, diff.Differ)
	assert.Contains(t, diff.Revision, first)
	require.Len(t, diff.AddedCommits, 2)
	assert.Equal(t, third, diff.AddedCommits[0].Id)
	assert.Equal(t, "Second", diff.AddedCommits[1].Title)
	assert.Equal(t, "Jane Doe", diff.AddedCommits[1].AuthorName)
	assert.Equal(t, second[:7]+": Second - Jane Doe", diff.AddedCommits[1].String())

	// The old revision is not an ancestor of the new one.
	diff = Diff(old, current)
	assert.True(t, diff.Differ)
	assert.Empty(t, diff.AddedCommits)

	dirty := Manifest{FlowHome: dir, Revision: &Revision{Hash: third, Dirty: true}}
	diff = Diff(dirty, current)
	assert.Contains(t, diff.Revision, "(dirty)")
	assert.Empty(t, diff.AddedCommits)

	diff = Diff(Manifest{FlowHome: dir}, current)
	assert.True(t, diff.Differ)
	assert.NotEmpty(t, diff.Revision)
}
