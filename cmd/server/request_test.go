package main

import (
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretapproval/pkg/models"
)

func actorCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addActorFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestActorFromFlags(t *testing.T) {
	id := uuid.New()
	actor, err := actorFromFlags(actorCmd(t,
		"--actor", id.String(),
		"--role", "member",
		"--permission", "secret-approval-request:read",
		"--permission", "secret-approval-policy:create",
	))
	require.NoError(t, err)
	assert.Equal(t, id, actor.ID)
	assert.Equal(t, models.ActorUser, actor.Type)
	assert.True(t, actor.Can(models.SubjectApprovalRequest, models.ActionRead))
	assert.True(t, actor.Can(models.SubjectApprovalPolicy, models.ActionCreate))
	assert.False(t, actor.Can(models.SubjectApprovalPolicy, models.ActionDelete))

	_, err = actorFromFlags(actorCmd(t, "--actor", "nope"))
	assert.Error(t, err)

	_, err = actorFromFlags(actorCmd(t, "--actor", id.String(), "--role", "owner"))
	assert.Error(t, err)

	_, err = actorFromFlags(actorCmd(t, "--actor", id.String(), "--permission", "secret-approval-request:delete"))
	assert.Error(t, err)
}

func TestRequestView(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	req := &models.ApprovalRequest{
		ID:     uuid.New(),
		Status: models.RequestOpen,
		Policy: models.PolicySnapshot{Name: "prod", Approvers: []uuid.UUID{u1, u2}, RequiredApprovals: 2},
		Commits: []*models.Commit{
			{Op: models.OpCreate},
			{Op: models.OpCreate},
			{Op: models.OpDelete},
		},
		Reviewers: []*models.ReviewerVote{{ReviewerID: u1, Status: models.ReviewApproved}},
	}

	view := requestView(req)
	assert.Equal(t, "1/2", view["approvals"])
	assert.Equal(t, 3, view["commits"])
	assert.Equal(t, map[string]any{"create": 2, "delete": 1}, view["operations"])
	assert.Equal(t, map[string]any{u1.String(): "approved", u2.String(): "pending"}, view["reviewers"])
}
