package forge

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/autopatch/internal/change"
	"github.com/breeze-rmm/autopatch/internal/logging"
)

func initRepo(t *testing.T) (string, *git.Repository, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ops\n"), 0o644))

	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("README.md")
	require.NoError(t, err)
	_, err = w.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ops", Email: "ops@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	return dir, repo, head.Name().Short()
}

func testArtifact() change.Artifact {
	return change.Artifact{
		Title:        "AUTO-PATCH: CVE-2025-0001",
		Body:         "## AutoPatch plan\n",
		Slug:         "autopatch-cve-2025-0001",
		Window:       "2025-09-15T01:00:00Z/2025-09-15T06:00:00Z",
		Reference:    "2025-09-15T02:30:00Z",
		EligibleCVEs: []string{"CVE-2025-0001"},
		DeferredCVEs: []string{},
		Entries: []change.Entry{
			{CVE: "CVE-2025-0001", Package: "log4j", Version: "1.2.17", Hosts: []string{"host1"}, Eligible: true, Reason: "within_window"},
		},
	}
}

func newSubmitter(dir, base string) *GitSubmitter {
	g := NewGitSubmitter(Options{
		RepoPath:    dir,
		BaseBranch:  base,
		AuthorName:  "AutoPatch",
		AuthorEmail: "autopatch@localhost",
	}, nil)
	g.now = func() time.Time { return time.Unix(1757900000, 0) }
	return g
}

func TestGitSubmitterCommitsOnDedicatedBranch(t *testing.T) {
	dir, repo, base := initRepo(t)
	g := newSubmitter(dir, base)

	res, err := g.Submit(context.Background(), testArtifact())
	require.NoError(t, err)
	assert.Equal(t, "git", res.Submitter)
	assert.Equal(t, "autopatch-cve-2025-0001", res.Reference)

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("autopatch-cve-2025-0001"), true)
	require.NoError(t, err)
	assert.Equal(t, ref.Hash().String(), res.Location)

	commit, err := repo.CommitObject(ref.Hash())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(commit.Message, "AUTO-PATCH: CVE-2025-0001\n"))
	assert.Equal(t, "AutoPatch", commit.Author.Name)

	file, err := commit.File("autopatch/autopatch-cve-2025-0001/plan.json")
	require.NoError(t, err)
	contents, err := file.Contents()
	require.NoError(t, err)
	assert.Contains(t, contents, `"CVE-2025-0001"`)

	_, err = commit.File("autopatch/autopatch-cve-2025-0001/PATCH_PLAN.md")
	require.NoError(t, err)
}

func TestGitSubmitterRestoresBaseCheckout(t *testing.T) {
	dir, repo, base := initRepo(t)
	g := newSubmitter(dir, base)

	_, err := g.Submit(context.Background(), testArtifact())
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, base, head.Name().Short())

	_, err = os.Stat(filepath.Join(dir, "autopatch", "autopatch-cve-2025-0001"))
	assert.True(t, os.IsNotExist(err), "artifact files should only live on the change branch")
}

func TestGitSubmitterResubmitIsIdempotent(t *testing.T) {
	dir, _, base := initRepo(t)
	g := newSubmitter(dir, base)

	first, err := g.Submit(context.Background(), testArtifact())
	require.NoError(t, err)
	second, err := g.Submit(context.Background(), testArtifact())
	require.NoError(t, err)

	assert.Equal(t, first.Location, second.Location)
}

func TestGitSubmitterMissingRepo(t *testing.T) {
	g := newSubmitter(filepath.Join(t.TempDir(), "nope"), "main")

	_, err := change.Submit(context.Background(), g, testArtifact())

	var subErr *change.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "git", subErr.Submitter)
	assert.ErrorIs(t, err, git.ErrRepositoryNotExists)
}

func TestGitSubmitterUnknownBaseBranch(t *testing.T) {
	dir, _, _ := initRepo(t)
	g := newSubmitter(dir, "does-not-exist")

	_, err := g.Submit(context.Background(), testArtifact())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve base branch does-not-exist")
}

func TestGitSubmitterPushWithoutKeyFails(t *testing.T) {
	dir, _, base := initRepo(t)
	g := newSubmitter(dir, base)
	g.opts.Push = true
	g.opts.SSHKeyFile = filepath.Join(t.TempDir(), "missing_key")

	_, err := g.Submit(context.Background(), testArtifact())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load ssh key")
}

func TestGitSubmitterDropsNewBranchOnFailure(t *testing.T) {
	dir, repo, base := initRepo(t)

	// A tracked file named "autopatch" makes the artifact directory unwritable.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "autopatch"), []byte("not a dir\n"), 0o644))
	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("autopatch")
	require.NoError(t, err)
	_, err = w.Commit("block artifact dir", &git.CommitOptions{
		Author: &object.Signature{Name: "ops", Email: "ops@example.com", When: time.Unix(1700000100, 0)},
	})
	require.NoError(t, err)

	g := newSubmitter(dir, base)
	_, err = g.Submit(context.Background(), testArtifact())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create directory for")

	_, err = repo.Reference(plumbing.NewBranchReferenceName("autopatch-cve-2025-0001"), true)
	assert.ErrorIs(t, err, plumbing.ErrReferenceNotFound)

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, base, head.Name().Short())
}

func TestGitSubmitterPushFailureDropsNewBranch(t *testing.T) {
	dir, repo, base := initRepo(t)
	g := newSubmitter(dir, base)
	g.opts.Push = true
	g.opts.SSHKeyFile = filepath.Join(t.TempDir(), "missing_key")

	_, err := g.Submit(context.Background(), testArtifact())
	require.Error(t, err)

	_, err = repo.Reference(plumbing.NewBranchReferenceName("autopatch-cve-2025-0001"), true)
	assert.ErrorIs(t, err, plumbing.ErrReferenceNotFound)
}

func TestGitSubmitterKeepsExistingBranchOnFailure(t *testing.T) {
	dir, repo, base := initRepo(t)
	g := newSubmitter(dir, base)

	first, err := g.Submit(context.Background(), testArtifact())
	require.NoError(t, err)

	g.opts.Push = true
	g.opts.SSHKeyFile = filepath.Join(t.TempDir(), "missing_key")
	_, err = g.Submit(context.Background(), testArtifact())
	require.Error(t, err)

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("autopatch-cve-2025-0001"), true)
	require.NoError(t, err)
	assert.Equal(t, first.Location, ref.Hash().String())
}

func TestGitSubmitterLogsThroughContextLogger(t *testing.T) {
	dir, _, base := initRepo(t)
	g := newSubmitter(dir, base)

	var buf bytes.Buffer
	runLog := logging.WithRun(slog.New(slog.NewTextHandler(&buf, nil)), "run-7", "scan.json")
	ctx := logging.NewContext(context.Background(), runLog)

	_, err := g.Submit(ctx, testArtifact())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "committed change artifact")
	assert.Contains(t, out, "runId=run-7")
	assert.Contains(t, out, "submitter=git")
}
