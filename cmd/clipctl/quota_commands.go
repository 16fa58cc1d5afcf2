package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/spf13/cobra"
)

func newQuotaCommand(ctx *commandContext) *cobra.Command {
	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect owner quotas",
	}

	quotaCmd.AddCommand(newQuotaShowCommand(ctx))

	return quotaCmd
}

func newQuotaShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <owner-id>",
		Short: "Show an owner's quota window and generation spend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := ctx.jobService(cmd.Context(), false)
			if err != nil {
				return err
			}

			report, err := jobs.Usage(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			adm := report.Admission
			state := "ok"
			switch {
			case adm.Exhausted:
				state = "exhausted"
			case adm.Approaching:
				state = "approaching limit"
			}

			fmt.Fprint(cmd.OutOrStdout(), renderKeyValues([][]string{
				{"Owner", args[0]},
				{"Plan", string(adm.Plan)},
				{"Used", fmt.Sprintf("%d of %d (%.1f%%)", adm.Used, adm.Limit, adm.UsagePercent)},
				{"Remaining", strconv.Itoa(adm.Remaining)},
				{"State", state},
				{"Resets", adm.ResetAt.UTC().Format(time.RFC3339)},
				{"Generations", strconv.Itoa(report.Usage.Records)},
				{"Tokens", strconv.FormatInt(report.Usage.Tokens, 10)},
				{"Cost", fmt.Sprintf("$%.4f", report.Usage.Cost)},
			}))
			return nil
		},
	}
}

func newPlanCommand(ctx *commandContext) *cobra.Command {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage owner plans",
	}

	planCmd.AddCommand(&cobra.Command{
		Use:   "set <owner-id> <free|pro|agency>",
		Short: "Assign a plan to an owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := domain.ParsePlan(args[1])
			if err != nil {
				return err
			}

			store, err := ctx.ensureStore(cmd.Context())
			if err != nil {
				return err
			}

			if err := store.SetPlan(cmd.Context(), args[0], plan); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Owner %s is now on the %s plan\n", args[0], plan)
			return nil
		},
	})

	return planCmd
}
