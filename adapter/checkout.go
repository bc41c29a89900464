package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"conveyor.sh/core/log"
)

// Checkout clones a repository revision into a per-run workspace
// directory. Re-running against an existing workspace fetches into
// the same clone instead of cloning again, so retries are safe.
type Checkout struct {
	// WorkspaceRoot is the directory under which per-run
	// workspaces are created.
	WorkspaceRoot string
}

func (c *Checkout) Run(ctx context.Context, params Params) (Result, error) {
	l := log.FromContext(ctx)

	url, err := params.Require("repo")
	if err != nil {
		return Result{}, err
	}
	rev := params.Get("rev")

	dir := filepath.Join(c.WorkspaceRoot, params.Get("run"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("creating workspace: %w", err)
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL: url,
	})
	switch {
	case errors.Is(err, git.ErrRepositoryAlreadyExists):
		repo, err = git.PlainOpen(dir)
		if err != nil {
			return Result{}, fmt.Errorf("opening workspace clone: %w", err)
		}
		err = repo.FetchContext(ctx, &git.FetchOptions{})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return Result{}, fmt.Errorf("fetching %s: %w", url, err)
		}
	case err != nil:
		return Result{}, fmt.Errorf("cloning %s: %w", url, err)
	}

	if rev != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return Result{}, err
		}
		err = wt.Checkout(&git.CheckoutOptions{
			Hash: plumbing.NewHash(rev),
		})
		if err != nil {
			return Result{}, fmt.Errorf("checking out %s: %w", rev, err)
		}
	}

	l.Info("checked out repository", "url", url, "rev", rev, "workspace", dir)

	return Result{
		OK: true,
		Output: map[string]string{
			"workspace": dir,
		},
	}, nil
}
