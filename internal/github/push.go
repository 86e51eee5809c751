package github

import (
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/google/go-github/v57/github"
)

// PushFromEvent converts a push webhook payload. Tag pushes keep the full
// ref as branch.
func PushFromEvent(ev *github.PushEvent) goals.Push {
	repo := ev.GetRepo()
	owner := repo.GetOwner().GetLogin()
	if owner == "" {
		owner = repo.GetOwner().GetName()
	}
	push := goals.Push{
		Repo: goals.Repo{
			Owner:    owner,
			Name:     repo.GetName(),
			CloneURL: repo.GetCloneURL(),
		},
		SHA:    ev.GetAfter(),
		Branch: strings.TrimPrefix(ev.GetRef(), "refs/heads/"),
		Before: ev.GetBefore(),
		After:  ev.GetAfter(),
	}
	if id := repo.GetID(); id != 0 {
		push.Repo.ProviderID = strconv.FormatInt(id, 10)
	}
	if head := ev.GetHeadCommit(); head != nil && head.GetID() != "" {
		push.SHA = head.GetID()
	}
	for _, c := range ev.Commits {
		push.Commits = append(push.Commits, goals.Commit{SHA: c.GetID(), Message: c.GetMessage()})
	}
	return push
}

// IsBranchDeletion reports pushes that delete a ref. They are not planned.
func IsBranchDeletion(ev *github.PushEvent) bool {
	return ev.GetDeleted() || strings.Trim(ev.GetAfter(), "0") == ""
}
