package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/area/internal/store"
)

type areaView struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	Name            string `json:"name"`
	Action          string `json:"action_component_id"`
	Reaction        string `json:"reaction_component_id"`
	IsActive        bool   `json:"is_active"`
	TriggeredCount  int64  `json:"triggered_count"`
	LastTriggeredAt int64  `json:"last_triggered_at_ms,omitempty"`
}

type executionView struct {
	ID          string `json:"id"`
	AreaID      string `json:"area_id"`
	EventID     string `json:"event_id"`
	Status      string `json:"status"`
	TriggeredAt int64  `json:"triggered_at_ms"`
	FinishedAt  int64  `json:"finished_at_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NewAreasCommand creates the areas command.
func NewAreasCommand(opts *RootOptions) *cobra.Command {
	var (
		owner      string
		activeOnly bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "areas",
		Short: "List configured areas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			areas, err := db.ListAreas(cmd.Context(), store.AreaFilter{
				OwnerID:    owner,
				ActiveOnly: activeOnly,
				Limit:      limit,
			})
			if err != nil {
				return fmt.Errorf("listing areas: %w", err)
			}

			views := make([]areaView, 0, len(areas))
			for _, a := range areas {
				views = append(views, areaView{
					ID:              a.ID,
					OwnerID:         a.OwnerID,
					Name:            a.Name,
					Action:          a.ActionComponentID,
					Reaction:        a.ReactionComponentID,
					IsActive:        a.IsActive,
					TriggeredCount:  a.TriggeredCount,
					LastTriggeredAt: a.LastTriggeredAt,
				})
			}

			return opts.printer(cmd.OutOrStdout()).emit(views, func(w io.Writer) error {
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{
						v.ID, v.OwnerID, v.Name, v.Action + " -> " + v.Reaction,
						strconv.FormatBool(v.IsActive), strconv.FormatInt(v.TriggeredCount, 10),
						formatMs(v.LastTriggeredAt),
					})
				}
				return table(w, []string{"ID", "OWNER", "NAME", "RULE", "ACTIVE", "TRIGGERED", "LAST"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only areas of this owner")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active areas")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of areas (0 = all)")

	return cmd
}

// NewExecutionsCommand creates the executions command.
func NewExecutionsCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "executions <area-id>",
		Short: "Show the execution history of an area",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			area, err := db.GetArea(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("loading area: %w", err)
			}
			if area == nil {
				return fmt.Errorf("area %s not found", args[0])
			}

			execs, err := db.ListExecutions(cmd.Context(), store.ExecutionFilter{
				AreaID: area.ID,
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("listing executions: %w", err)
			}

			views := make([]executionView, 0, len(execs))
			for _, e := range execs {
				views = append(views, executionView{
					ID:          e.ID,
					AreaID:      e.AreaID,
					EventID:     e.EventID,
					Status:      e.Status,
					TriggeredAt: e.TriggeredAt,
					FinishedAt:  e.FinishedAt,
					Error:       e.Error,
				})
			}

			return opts.printer(cmd.OutOrStdout()).emit(views, func(w io.Writer) error {
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{
						v.ID, v.EventID, v.Status, formatMs(v.TriggeredAt), formatMs(v.FinishedAt), v.Error,
					})
				}
				return table(w, []string{"ID", "EVENT", "STATUS", "TRIGGERED", "FINISHED", "ERROR"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|success|failure)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of executions")

	return cmd
}
