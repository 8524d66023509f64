package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/pkg/models"
)

func requestView(r *models.ApprovalRequest) map[string]any {
	votes := map[string]any{}
	for _, id := range r.Policy.Approvers {
		votes[id.String()] = string(r.ReviewStatusOf(id))
	}
	ops := map[string]any{}
	for _, c := range r.Commits {
		n, _ := ops[string(c.Op)].(int)
		ops[string(c.Op)] = n + 1
	}
	return map[string]any{
		"id":          r.ID.String(),
		"environment": r.Environment,
		"secret_path": r.SecretPath,
		"policy":      r.Policy.Name,
		"committer":   r.CommitterID.String(),
		"status":      string(r.Status),
		"merged":      r.HasMerged,
		"approvals":   fmt.Sprintf("%d/%d", r.Approvals(), r.Policy.RequiredApprovals),
		"commits":     len(r.Commits),
		"operations":  ops,
		"reviewers":   votes,
	}
}

func parseRequestID(args []string) (uuid.UUID, error) {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid request id: %w", err)
	}
	return id, nil
}

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Work with secret approval requests"}
	addActorFlags(cmd)

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Propose a change set read from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			pid, err := uuid.Parse(project)
			if err != nil {
				return err
			}
			env, _ := cmd.Flags().GetString("env")
			path, _ := cmd.Flags().GetString("path")
			file, _ := cmd.Flags().GetString("changes")
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var changes approval.ChangeSet
			if err := json.Unmarshal(data, &changes); err != nil {
				return fmt.Errorf("parsing %s: %w", file, err)
			}
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				req, err := e.svc.Submit(cmd.Context(), actor, approval.SubmitInput{
					Scope:   approval.Scope{ProjectID: pid, Environment: env, SecretPath: path},
					Changes: changes,
				})
				if err != nil {
					return err
				}
				printResult(requestView(req))
				return nil
			})
		},
	}
	submitCmd.Flags().String("project", "", "Project ID")
	submitCmd.Flags().String("env", "", "Environment slug")
	submitCmd.Flags().String("path", "/", "Secret path")
	submitCmd.Flags().String("changes", "", "JSON file with creates, updates and deletes")
	submitCmd.MarkFlagRequired("changes") //nolint:errcheck

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests visible to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := listInputFromFlags(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				reqs, err := e.svc.List(cmd.Context(), actor, in)
				if err != nil {
					return err
				}
				rows := make([]map[string]any, len(reqs))
				for i, r := range reqs {
					rows[i] = requestView(r)
				}
				printRows([]string{"id", "environment", "secret_path", "status", "merged", "approvals", "commits"}, rows)
				return nil
			})
		},
	}
	addListFlags(listCmd)

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Count open and closed approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := listInputFromFlags(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				c, err := e.svc.Count(cmd.Context(), actor, in)
				if err != nil {
					return err
				}
				printResult(map[string]any{"open": c.Open, "closed": c.Closed})
				return nil
			})
		},
	}
	addListFlags(countCmd)

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				req, err := e.svc.Get(cmd.Context(), actor, id)
				if err != nil {
					return err
				}
				printResult(requestView(req))
				return nil
			})
		},
	}

	reviewCmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Approve or reject an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args)
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			comment, _ := cmd.Flags().GetString("comment")
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				vote, err := e.svc.SubmitReview(cmd.Context(), actor, id, models.ReviewStatus(status), comment)
				if err != nil {
					return err
				}
				printResult(map[string]any{
					"request_id": vote.RequestID.String(),
					"reviewer":   vote.ReviewerID.String(),
					"status":     string(vote.Status),
				})
				return nil
			})
		},
	}
	reviewCmd.Flags().String("status", string(models.ReviewApproved), "Vote: approved, rejected")
	reviewCmd.Flags().String("comment", "", "Review comment")

	statusCmd := func(use, short string, status models.RequestStatus) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseRequestID(args)
				if err != nil {
					return err
				}
				return withEngine(cmd, func(e *engine, actor models.Actor) error {
					req, err := e.svc.SetRequestStatus(cmd.Context(), actor, id, status)
					if err != nil {
						return err
					}
					printResult(requestView(req))
					return nil
				})
			},
		}
	}

	mergeCmd := &cobra.Command{
		Use:   "merge <id>",
		Short: "Apply an approved request to the secret store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args)
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("bypass-reason")
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				req, err := e.svc.Merge(cmd.Context(), actor, id, approval.MergeOptions{BypassReason: reason})
				if err != nil {
					return err
				}
				printResult(requestView(req))
				return nil
			})
		},
	}
	mergeCmd.Flags().String("bypass-reason", "", "Merge a soft-enforced request without quorum, giving a reason")

	cmd.AddCommand(
		submitCmd,
		listCmd,
		countCmd,
		showCmd,
		reviewCmd,
		statusCmd("close", "Close an approval request", models.RequestClosed),
		statusCmd("reopen", "Reopen an approval request", models.RequestOpen),
		mergeCmd,
	)
	return cmd
}

func addListFlags(cmd *cobra.Command) {
	cmd.Flags().String("project", "", "Project ID")
	cmd.Flags().String("env", "", "Environment slug")
	cmd.Flags().String("status", "", "Filter by status: open, closed")
	cmd.Flags().String("committer", "", "Filter by committer member ID")
	cmd.Flags().Int("limit", 0, "Maximum number of requests")
	cmd.Flags().Int("offset", 0, "Number of requests to skip")
}

func listInputFromFlags(cmd *cobra.Command) (approval.ListInput, error) {
	var in approval.ListInput
	project, _ := cmd.Flags().GetString("project")
	pid, err := uuid.Parse(project)
	if err != nil {
		return in, fmt.Errorf("invalid --project: %w", err)
	}
	in.ProjectID = pid
	in.Environment, _ = cmd.Flags().GetString("env")
	status, _ := cmd.Flags().GetString("status")
	in.Status = models.RequestStatus(status)
	in.Limit, _ = cmd.Flags().GetInt("limit")
	in.Offset, _ = cmd.Flags().GetInt("offset")
	if committer, _ := cmd.Flags().GetString("committer"); committer != "" {
		id, err := uuid.Parse(committer)
		if err != nil {
			return in, fmt.Errorf("invalid --committer: %w", err)
		}
		in.CommitterID = &id
	}
	return in, nil
}
