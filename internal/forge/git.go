// Package forge submits change artifacts as commits on a dedicated branch of
// a local git repository, optionally pushing the branch to a remote.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/breeze-rmm/autopatch/internal/change"
	"github.com/breeze-rmm/autopatch/internal/logging"
)

// Options configures a GitSubmitter.
type Options struct {
	RepoPath    string
	BaseBranch  string // empty = current HEAD
	Remote      string
	Push        bool
	SSHKeyFile  string
	AuthorName  string
	AuthorEmail string
}

// GitSubmitter commits artifacts to autopatch-* branches. Submissions are
// serialized because they share one worktree.
type GitSubmitter struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu sync.Mutex
}

// NewGitSubmitter creates a submitter for the repository at opts.RepoPath.
func NewGitSubmitter(opts Options, logger *slog.Logger) *GitSubmitter {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	return &GitSubmitter{opts: opts, log: logging.OrDiscard(logger), now: time.Now}
}

// Name implements change.Submitter.
func (g *GitSubmitter) Name() string { return "git" }

// Submit writes the artifact files on branch a.Slug, based on the configured
// base branch, commits them and restores the previously checked-out branch.
// An existing branch is reused; resubmitting identical content returns the
// existing head without creating a commit. A branch created by a failed
// submission is deleted again.
func (g *GitSubmitter) Submit(ctx context.Context, a change.Artifact) (_ change.SubmissionResult, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	log := logging.FromContext(ctx, g.log).With("submitter", g.Name())

	files, err := a.Files()
	if err != nil {
		return change.SubmissionResult{}, err
	}

	repo, err := git.PlainOpen(g.opts.RepoPath)
	if err != nil {
		return change.SubmissionResult{}, fmt.Errorf("open repo: %w", err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return change.SubmissionResult{}, fmt.Errorf("get worktree: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return change.SubmissionResult{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	base, err := g.baseHash(repo, head)
	if err != nil {
		return change.SubmissionResult{}, err
	}

	branch := plumbing.NewBranchReferenceName(a.Slug)
	checkout := &git.CheckoutOptions{Branch: branch}
	if _, err := repo.Reference(branch, true); errors.Is(err, plumbing.ErrReferenceNotFound) {
		checkout.Create = true
		checkout.Hash = base
	} else if err != nil {
		return change.SubmissionResult{}, fmt.Errorf("look up branch %s: %w", a.Slug, err)
	}

	if err := w.Checkout(checkout); err != nil {
		return change.SubmissionResult{}, fmt.Errorf("checkout %s: %w", a.Slug, err)
	}
	if checkout.Create {
		// Registered before restore so it runs after the checkout moved away.
		defer func() {
			if err != nil {
				g.dropBranch(repo, branch, log)
			}
		}()
	}
	defer g.restore(repo, w, head, a.Dir(), log)

	if err := ctx.Err(); err != nil {
		return change.SubmissionResult{}, err
	}

	for _, f := range files {
		full := filepath.Join(g.opts.RepoPath, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return change.SubmissionResult{}, fmt.Errorf("create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(full, f.Data, 0o644); err != nil {
			return change.SubmissionResult{}, fmt.Errorf("write %s: %w", f.Path, err)
		}
		if _, err := w.Add(f.Path); err != nil {
			return change.SubmissionResult{}, fmt.Errorf("stage %s: %w", f.Path, err)
		}
	}

	hash, err := w.Commit(a.CommitMessage(), &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.opts.AuthorName,
			Email: g.opts.AuthorEmail,
			When:  g.now(),
		},
	})
	switch {
	case errors.Is(err, git.ErrEmptyCommit):
		ref, refErr := repo.Reference(branch, true)
		if refErr != nil {
			return change.SubmissionResult{}, fmt.Errorf("resolve %s: %w", a.Slug, refErr)
		}
		hash = ref.Hash()
		log.Info("branch already up to date", "branch", a.Slug, "commit", hash.String())
	case err != nil:
		return change.SubmissionResult{}, fmt.Errorf("commit: %w", err)
	default:
		log.Info("committed change artifact", "branch", a.Slug, "commit", hash.String(), "files", len(files))
	}

	if g.opts.Push {
		if err := g.push(ctx, repo, branch, log); err != nil {
			return change.SubmissionResult{}, err
		}
	}

	return change.SubmissionResult{
		Submitter: g.Name(),
		Reference: a.Slug,
		Location:  hash.String(),
	}, nil
}

func (g *GitSubmitter) baseHash(repo *git.Repository, head *plumbing.Reference) (plumbing.Hash, error) {
	if g.opts.BaseBranch == "" {
		return head.Hash(), nil
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(g.opts.BaseBranch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve base branch %s: %w", g.opts.BaseBranch, err)
	}
	return ref.Hash(), nil
}

// restore checks out head again and drops the artifact directory when head
// does not track it, leaving the worktree clean for the next submission.
func (g *GitSubmitter) restore(repo *git.Repository, w *git.Worktree, head *plumbing.Reference, dir string, log *slog.Logger) {
	opts := &git.CheckoutOptions{Force: true}
	if head.Name().IsBranch() {
		opts.Branch = head.Name()
	} else {
		opts.Hash = head.Hash()
	}
	if err := w.Checkout(opts); err != nil {
		log.Warn("failed to restore previous checkout", "ref", head.Name().String(), logging.KeyError, err.Error())
		return
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return
	}
	tree, err := commit.Tree()
	if err != nil {
		return
	}
	if _, err := tree.FindEntry(dir); err == nil {
		return
	}
	if err := os.RemoveAll(filepath.Join(g.opts.RepoPath, filepath.FromSlash(dir))); err != nil {
		log.Warn("failed to remove artifact directory", "dir", dir, logging.KeyError, err.Error())
	}
}

func (g *GitSubmitter) dropBranch(repo *git.Repository, branch plumbing.ReferenceName, log *slog.Logger) {
	if err := repo.Storer.RemoveReference(branch); err != nil {
		log.Warn("failed to delete branch of failed submission", "branch", branch.Short(), logging.KeyError, err.Error())
		return
	}
	log.Info("deleted branch of failed submission", "branch", branch.Short())
}

func (g *GitSubmitter) push(ctx context.Context, repo *git.Repository, branch plumbing.ReferenceName, log *slog.Logger) error {
	auth, err := ssh.NewPublicKeysFromFile("git", g.opts.SSHKeyFile, "")
	if err != nil {
		return fmt.Errorf("load ssh key: %w", err)
	}

	spec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: g.opts.Remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s to %s: %w", branch.Short(), g.opts.Remote, err)
	}
	log.Info("pushed branch", "branch", branch.Short(), "remote", g.opts.Remote)
	return nil
}
