package workspace

import (
	"github.com/go-git/go-git/v5"
)

// Branch returns the checked-out branch of the repository at root, or ""
// when root is not a git repository or HEAD is detached.
func Branch(root string) string {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if head.Name().IsBranch() {
		return head.Name().Short()
	}
	return ""
}
