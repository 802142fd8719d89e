package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/daedaleanai/edaflow/flow"
	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/util"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/google/uuid"
)

// FileName is the name of the manifest in the log directory of a run.
const FileName = "manifest.yaml"

// maxCommits bounds the history walked when listing the commits between two revisions.
const maxCommits = 200

// Revision identifies the state of the flow home repository a run used.
type Revision struct {
	Hash  string
	Dirty bool
}

// Step records one tool invocation of a stage.
type Step struct {
	Name     string
	Status   int
	Log      string
	Duration time.Duration
}

// StageRecord records the outcome of a stage.
type StageRecord struct {
	Stage       string
	Status      string
	Error       string `yaml:",omitempty"`
	Output      string `yaml:",omitempty"`
	Constraints string `yaml:",omitempty"`
	Duration    time.Duration
	Steps       []Step
}

const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Manifest describes one run of the flow: what ran, where and from which revision.
type Manifest struct {
	EdaflowVersion string
	RunID          string
	Created        string
	Design         string
	Platform       string
	FlowHome       string
	FlowVariant    string
	// Revision is nil if the flow home is not part of a git repository.
	Revision *Revision `yaml:",omitempty"`
	Stages   []StageRecord
}

type Commit struct {
	Id         string
	Title      string
	AuthorName string
}

func (c Commit) String() string {
	id := c.Id
	if len(id) > 7 {
		id = id[:7]
	}
	return fmt.Sprintf("%s: %s - %s", id, c.Title, c.AuthorName)
}

type StageDiff struct {
	New, Old StageRecord
}

type DiffResult struct {
	Differ         bool
	EdaflowVersion string
	Design         string
	Revision       string

	// AddedCommits lists the commits between the old and the new revision. It is empty if the
	// repository is not available or the old revision is not an ancestor of the new one.
	AddedCommits               []Commit
	ModifiedStages             []StageDiff
	AddedStages, RemovedStages []StageRecord
}

// Generate describes the runs of p. Stages that ran more than once are recorded with their last
// run.
func Generate(p *flow.Pipeline) (Manifest, error) {
	c := p.Context()
	if c == nil {
		return Manifest{}, &flow.PreconditionError{Op: "manifest", Missing: flow.Setup}
	}

	manifest := Manifest{
		EdaflowVersion: util.EdaflowVersion.String(),
		RunID:          uuid.NewString(),
		Created:        time.Now().UTC().Format(time.RFC3339),
		Design:         c.Get("DESIGN_NAME"),
		Platform:       c.Get("PLATFORM"),
		FlowHome:       c.Get("FLOW_HOME"),
		FlowVariant:    c.Get("FLOW_VARIANT"),
	}

	revision, err := ReadRevision(manifest.FlowHome)
	if err != nil {
		return manifest, err
	}
	manifest.Revision = revision

	index := map[string]int{}
	for _, result := range p.Results() {
		record := StageRecord{
			Stage:       result.Stage.String(),
			Status:      StatusDone,
			Output:      result.Artifact.Path,
			Constraints: result.Artifact.Constraints,
			Duration:    result.Duration,
			Steps:       []Step{},
		}
		if result.Err != nil {
			record.Status = StatusFailed
			record.Error = result.Err.Error()
		}
		for _, step := range result.Steps {
			record.Steps = append(record.Steps, Step(step))
		}
		if i, ok := index[record.Stage]; ok {
			manifest.Stages[i] = record
			continue
		}
		index[record.Stage] = len(manifest.Stages)
		manifest.Stages = append(manifest.Stages, record)
	}
	return manifest, nil
}

// ReadRevision returns the revision of the repository containing dir, or nil if there is none.
func ReadRevision(dir string) (*Revision, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		log.Debug("'%s' is not part of a git repository.\n", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository of '%s': %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		// A repository without commits has no revision to record.
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("reading worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("reading worktree status: %w", err)
	}
	return &Revision{Hash: head.Hash().String(), Dirty: !status.IsClean()}, nil
}

// Path returns the manifest path of a run with log directory logDir.
func Path(logDir string) string {
	return filepath.Join(logDir, FileName)
}

// Write stores the manifest in the log directory of its run and returns the path of the file.
func Write(m Manifest, logDir string) (string, error) {
	manifestPath := Path(logDir)
	if err := util.MkdirAll(logDir); err != nil {
		return "", err
	}
	if err := util.WriteYaml(manifestPath, m); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}
	return manifestPath, nil
}

// Read loads a manifest written by Write.
func Read(manifestPath string) (Manifest, error) {
	m := Manifest{}
	if err := util.ReadYaml(manifestPath, &m); err != nil {
		return Manifest{}, err
	}
	version, err := util.ParseVersion(m.EdaflowVersion)
	if err != nil {
		log.Warning("Manifest '%s' has an %s.\n", manifestPath, err)
	} else if util.EdaflowVersion.Less(version) {
		log.Warning("Manifest '%s' was written by edaflow %s, which is newer than %s.\n", manifestPath, version, util.EdaflowVersion)
	}
	return m, nil
}

func parseCommit(c *object.Commit) Commit {
	title := strings.SplitN(strings.TrimSpace(c.Message), "\n", 2)[0]
	return Commit{Id: c.Hash.String(), Title: title, AuthorName: c.Author.Name}
}

// commitsBetween lists the commits reachable from newHash down to, excluding, oldHash.
func commitsBetween(repoDir, oldHash, newHash string) []Commit {
	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil
	}
	iter, err := repo.Log(&git.LogOptions{From: plumbing.NewHash(newHash)})
	if err != nil {
		log.Debug("Unable to walk history from '%s': %s\n", newHash, err)
		return nil
	}
	defer iter.Close()

	commits := []Commit{}
	found := false
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash.String() == oldHash {
			found = true
			return storer.ErrStop
		}
		if len(commits) == maxCommits {
			return storer.ErrStop
		}
		commits = append(commits, parseCommit(c))
		return nil
	})
	if err != nil || !found {
		log.Debug("'%s' is not an ancestor of '%s'.\n", oldHash, newHash)
		return nil
	}
	return commits
}

func sameStage(a, b StageRecord) bool {
	if a.Stage != b.Stage || a.Status != b.Status || a.Error != b.Error || a.Output != b.Output || a.Constraints != b.Constraints || len(a.Steps) != len(b.Steps) {
		return false
	}
	for i := range a.Steps {
		if a.Steps[i].Name != b.Steps[i].Name || a.Steps[i].Status != b.Steps[i].Status {
			return false
		}
	}
	return true
}

// Diff compares two manifests. Durations are not compared.
func Diff(newManifest, oldManifest Manifest) DiffResult {
	result := DiffResult{}

	if newManifest.EdaflowVersion != oldManifest.EdaflowVersion {
		result.Differ = true
		result.EdaflowVersion = fmt.Sprintf("edaflow version changed from %s to %s", oldManifest.EdaflowVersion, newManifest.EdaflowVersion)
	}
	if newManifest.Design != oldManifest.Design || newManifest.Platform != oldManifest.Platform || newManifest.FlowVariant != oldManifest.FlowVariant {
		result.Differ = true
		result.Design = fmt.Sprintf("design changed from %s/%s (%s) to %s/%s (%s)",
			oldManifest.Platform, oldManifest.Design, oldManifest.FlowVariant,
			newManifest.Platform, newManifest.Design, newManifest.FlowVariant)
	}

	oldRevision, newRevision := oldManifest.Revision, newManifest.Revision
	switch {
	case oldRevision == nil && newRevision == nil:
	case oldRevision == nil || newRevision == nil:
		result.Differ = true
		result.Revision = "revision is only recorded in one of the manifests"
	case *oldRevision != *newRevision:
		result.Differ = true
		result.Revision = fmt.Sprintf("revision changed from %s to %s", describe(oldRevision), describe(newRevision))
		if oldRevision.Hash != newRevision.Hash {
			result.AddedCommits = commitsBetween(newManifest.FlowHome, oldRevision.Hash, newRevision.Hash)
		}
	}

	findStage := func(name string, stages []StageRecord) (StageRecord, bool) {
		for _, s := range stages {
			if s.Stage == name {
				return s, true
			}
		}
		return StageRecord{}, false
	}

	for _, s := range newManifest.Stages {
		if old, found := findStage(s.Stage, oldManifest.Stages); found {
			if !sameStage(s, old) {
				result.Differ = true
				result.ModifiedStages = append(result.ModifiedStages, StageDiff{New: s, Old: old})
			}
		} else {
			result.Differ = true
			result.AddedStages = append(result.AddedStages, s)
		}
	}
	result.RemovedStages = util.FilteredSlice(oldManifest.Stages, func(s StageRecord) bool {
		_, found := findStage(s.Stage, newManifest.Stages)
		return !found
	})
	if len(result.RemovedStages) != 0 {
		result.Differ = true
	}
	return result
}

func describe(r *Revision) string {
	if r.Dirty {
		return r.Hash + " (dirty)"
	}
	return r.Hash
}
