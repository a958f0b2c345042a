package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// MemberView is the JSON shape of one direct membership.
type MemberView struct {
	Account string `json:"account"`
	Role    string `json:"role"`
}

// DelegationView is the JSON shape of one resolved delegation.
type DelegationView struct {
	Group   string       `json:"group"`
	Ceiling string       `json:"ceiling"`
	Members []MemberView `json:"members,omitempty"`
}

// MembersResult is the JSON shape of a membership query.
type MembersResult struct {
	Group       string           `json:"group"`
	Direct      []MemberView     `json:"direct"`
	Delegations []DelegationView `json:"delegations,omitempty"`
}

// NewMembersCommand creates the members command.
func NewMembersCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "members [group-key]",
		Short: "List a group's members and delegations",
		Long: `List a group's direct members and one level of resolved delegation.

The group is named by its registered key; the tenant's owner group
("tenant:owner") is the default.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			groupKey := "tenant:owner"
			if len(args) == 1 {
				groupKey = args[0]
			}
			return runMembers(rootOpts, dbPath, groupKey, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "strata.db", "path to the replica database")
	return cmd
}

func runMembers(opts *RootOptions, dbPath, groupKey string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	ctx := cmd.Context()
	tenant, closeTenant, err := openTenant(ctx, dbPath, opts, cmd.ErrOrStderr())
	if err != nil {
		_ = formatter.Error("OPEN", err.Error(), nil)
		return err
	}
	defer closeTenant()

	groupID, err := tenant.Registry.Resolve(ctx, groupKey)
	if err != nil {
		_ = formatter.Error(faultCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "group key did not resolve", err)
	}

	membership, err := tenant.Groups.QueryMembers(ctx, groupID)
	if err != nil {
		_ = formatter.Error(faultCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "membership query failed", err)
	}

	result := MembersResult{Group: string(groupID)}
	for _, m := range membership.DirectMembers {
		result.Direct = append(result.Direct, MemberView{
			Account: string(m.Account),
			Role:    m.Role.String(),
		})
	}
	for _, d := range membership.DelegatedGroups {
		view := DelegationView{Group: string(d.Group), Ceiling: d.Ceiling.String()}
		for _, m := range d.Members {
			view.Members = append(view.Members, MemberView{
				Account: string(m.Account),
				Role:    m.Role.String(),
			})
		}
		result.Delegations = append(result.Delegations, view)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "group %s (%s)\n", groupKey, result.Group)
	for _, m := range result.Direct {
		fmt.Fprintf(formatter.Writer, "  %s  %s\n", m.Role, m.Account)
	}
	for _, d := range result.Delegations {
		fmt.Fprintf(formatter.Writer, "  extends %s (ceiling %s)\n", d.Group, d.Ceiling)
		for _, m := range d.Members {
			fmt.Fprintf(formatter.Writer, "    %s  %s\n", m.Role, m.Account)
		}
	}
	return nil
}
