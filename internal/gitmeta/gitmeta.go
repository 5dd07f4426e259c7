// Package gitmeta reads submission metadata out of a local repository:
// the commit to pin a job to and the remote URL the cluster will clone.
package gitmeta

import (
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

// Metadata describes the state of a local working copy.
type Metadata struct {
	Name      string `json:"name"`
	RepoURL   string `json:"repo_url,omitempty"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
	Dirty     bool   `json:"dirty"`
}

// Read extracts repository metadata from path. The branch is "detached"
// when HEAD does not point at one.
func Read(path string) (Metadata, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "resolve repo path")
	}

	repo, err := git.PlainOpen(abs)
	if err != nil {
		return Metadata{}, errors.Wrapf(err, "not a git repository: %s", path)
	}

	meta := Metadata{Name: filepath.Base(abs)}

	head, err := repo.Head()
	if err != nil {
		return Metadata{}, errors.Wrap(err, "read HEAD")
	}
	meta.CommitSHA = head.Hash().String()
	if head.Name().IsBranch() {
		meta.Branch = head.Name().Short()
	} else {
		meta.Branch = "detached"
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			meta.RepoURL = urls[0]
		}
	}

	wt, err := repo.Worktree()
	if err == nil {
		if status, err := wt.Status(); err == nil {
			meta.Dirty = !status.IsClean()
		}
	}

	return meta, nil
}
