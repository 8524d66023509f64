package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/pkg/models"
)

func policyView(p *models.Policy) map[string]any {
	path := p.SecretPath
	if path == "" {
		path = "(environment)"
	}
	return map[string]any{
		"id":                  p.ID.String(),
		"name":                p.Name,
		"environment":         p.Environment,
		"secret_path":         path,
		"approvers":           idsToStrings(p.Approvers),
		"bypassers":           idsToStrings(p.Bypassers),
		"required_approvals":  p.RequiredApprovals,
		"enforcement_level":   string(p.EnforcementLevel),
		"allow_self_approval": p.AllowSelfApproval,
	}
}

func policyInputFromFlags(cmd *cobra.Command) (approval.PolicyInput, error) {
	var in approval.PolicyInput
	project, _ := cmd.Flags().GetString("project")
	pid, err := uuid.Parse(project)
	if err != nil {
		return in, err
	}
	approvers, _ := cmd.Flags().GetStringSlice("approver")
	bypassers, _ := cmd.Flags().GetStringSlice("bypasser")
	in.ProjectID = pid
	in.Environment, _ = cmd.Flags().GetString("env")
	in.SecretPath, _ = cmd.Flags().GetString("path")
	in.Name, _ = cmd.Flags().GetString("name")
	in.RequiredApprovals, _ = cmd.Flags().GetInt("required")
	enforcement, _ := cmd.Flags().GetString("enforcement")
	in.EnforcementLevel = models.EnforcementLevel(enforcement)
	in.AllowSelfApproval, _ = cmd.Flags().GetBool("allow-self-approval")
	if in.Approvers, err = parseIDs(approvers, "approver"); err != nil {
		return in, err
	}
	if len(bypassers) > 0 {
		if in.Bypassers, err = parseIDs(bypassers, "bypasser"); err != nil {
			return in, err
		}
	}
	return in, nil
}

func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().String("project", "", "Project ID")
	cmd.Flags().String("env", "", "Environment slug")
	cmd.Flags().String("path", "", "Secret path or glob (empty: whole environment)")
	cmd.Flags().String("name", "", "Policy name")
	cmd.Flags().StringSlice("approver", nil, "Approver member ID (repeatable)")
	cmd.Flags().StringSlice("bypasser", nil, "Member allowed to bypass a soft policy (repeatable)")
	cmd.Flags().Int("required", 1, "Required approvals")
	cmd.Flags().String("enforcement", string(models.EnforcementHard), "Enforcement level: hard, soft")
	cmd.Flags().Bool("allow-self-approval", false, "Let committers approve their own requests")
	cmd.MarkFlagRequired("project") //nolint:errcheck
	cmd.MarkFlagRequired("env")     //nolint:errcheck
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage approval policies"}
	addActorFlags(cmd)

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an approval policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := policyInputFromFlags(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				p, err := e.svc.CreatePolicy(cmd.Context(), actor, in)
				if err != nil {
					return err
				}
				printResult(policyView(p))
				return nil
			})
		},
	}
	addPolicyFlags(createCmd)

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace the rules of an approval policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			in, err := policyInputFromFlags(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				p, err := e.svc.UpdatePolicy(cmd.Context(), actor, id, in)
				if err != nil {
					return err
				}
				printResult(policyView(p))
				return nil
			})
		},
	}
	addPolicyFlags(updateCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the approval policies of an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			pid, err := uuid.Parse(project)
			if err != nil {
				return err
			}
			env, _ := cmd.Flags().GetString("env")
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				ps, err := e.svc.ListPolicies(cmd.Context(), actor, pid, env)
				if err != nil {
					return err
				}
				rows := make([]map[string]any, len(ps))
				for i, p := range ps {
					rows[i] = policyView(p)
				}
				printRows([]string{"id", "name", "secret_path", "required_approvals", "enforcement_level"}, rows)
				return nil
			})
		},
	}
	listCmd.Flags().String("project", "", "Project ID")
	listCmd.Flags().String("env", "", "Environment slug")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an approval policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, func(e *engine, actor models.Actor) error {
				if err := e.svc.DeletePolicy(cmd.Context(), actor, id); err != nil {
					return err
				}
				printSuccess("Success! Deleted policy " + id.String())
				return nil
			})
		},
	}

	cmd.AddCommand(createCmd, updateCmd, listCmd, deleteCmd)
	return cmd
}
