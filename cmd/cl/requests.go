package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coordline/internal/domain"
	"coordline/internal/engine"
)

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Aliases: []string{"req"}, Short: "Create, move and inspect service requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestMutationCmd("confirm <id>", "Confirm a submitted request", func(ctx context.Context, e engine.Engine, a engine.Actor, id string) (domain.ServiceRequest, error) {
		return e.ConfirmRequest(ctx, a, id)
	}))
	req.AddCommand(requestAssignCmd())
	req.AddCommand(requestRespondCmd())
	req.AddCommand(requestMutationCmd("start <id>", "Start work on an accepted request", func(ctx context.Context, e engine.Engine, a engine.Actor, id string) (domain.ServiceRequest, error) {
		return e.StartWork(ctx, a, id)
	}))
	req.AddCommand(requestCompleteCmd())
	req.AddCommand(requestVerifyCmd())
	req.AddCommand(requestReasonCmd("escalate <id>", "Raise the escalation level", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.ServiceRequest, error) {
		return e.Escalate(ctx, a, id, reason)
	}))
	req.AddCommand(requestReasonCmd("cancel <id>", "Cancel a request", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.ServiceRequest, error) {
		return e.CancelRequest(ctx, a, id, reason)
	}))
	req.AddCommand(requestNoteCmd())
	req.AddCommand(requestPriorityCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestListCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var in engine.CreateRequestInput
	var priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a service request",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Priority = domain.Priority(priority)
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a engine.Actor) error {
				sr, err := e.CreateRequest(ctx, a, in)
				if err != nil {
					return err
				}
				return printRequest(sr)
			})
		},
	}
	cmd.Flags().StringVar(&in.ClientID, "client", "", "client id (ignored when acting as a client)")
	cmd.Flags().StringVar(&in.ServiceType, "service-type", "", "service type")
	cmd.Flags().StringVar(&in.Location, "location", "", "service location")
	cmd.Flags().StringVar(&in.Description, "description", "", "job description")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityNormal), "normal, urgent or emergency")
	return cmd
}

type requestMutation func(ctx context.Context, e engine.Engine, a engine.Actor, id string) (domain.ServiceRequest, error)

func requestMutationCmd(use, short string, fn requestMutation) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a engine.Actor) error {
				sr, err := fn(ctx, e, a, args[0])
				if err != nil {
					return err
				}
				return printRequest(sr)
			})
		},
	}
}

func requestReasonCmd(use, short string, fn func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.ServiceRequest, error)) *cobra.Command {
	var reason string
	cmd := requestMutationCmd(use, short, func(ctx context.Context, e engine.Engine, a engine.Actor, id string) (domain.ServiceRequest, error) {
		return fn(ctx, e, a, id, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required)")
	return cmd
}

func requestAssignCmd() *cobra.Command {
	var providerID string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a provider to a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a engine.Actor) error {
				res, err := e.AssignProvider(ctx, a, args[0], providerID)
				if err != nil {
					return err
				}
				return printAssignment(res)
			})
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id")
	return cmd
}

func requestRespondCmd() *cobra.Command {
	var response, reason string
	cmd := &cobra.Command{
		Use:   "respond <assignment-id>",
		Short: "Record the provider's answer to an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a engine.Actor) error {
				res, err := e.UpdateAssignmentResponse(ctx, a, args[0], domain.Response(response), reason)
				if err != nil {
					return err
				}
				return printAssignment(res)
			})
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "accepted, declined or no_response")
	cmd.Flags().StringVar(&reason, "reason", "", "decline reason")
	return cmd
}

func requestCompleteCmd() *cobra.Command {
	var notes string
	var quality int
	cmd := requestMutationCmd("complete <id>", "Record job completion", func(ctx context.Context, e engine.Engine, a engine.Actor, id string) (domain.ServiceRequest, error) {
		return e.CompleteJob(ctx, a, id, notes, quality)
	})
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	cmd.Flags().IntVar(&quality, "quality", 0, "quality score 1-5")
	return cmd
}

func requestVerifyCmd() *cobra.Command {
	var satisfaction int
	cmd := requestMutationCmd("verify <id>", "Verify a completed job", func(ctx context.Context, e engine.Engine, a engine.Actor, id string) (domain.ServiceRequest, error) {
		return e.VerifyCompletion(ctx, a, id, satisfaction)
	})
	cmd.Flags().IntVar(&satisfaction, "satisfaction", 0, "satisfaction score 1-5")
	return cmd
}

func requestPriorityCmd() *cobra.Command {
	var priority string
	cmd := requestMutationCmd("priority <id>", "Change priority and recompute deadlines", func(ctx context.Context, e engine.Engine, a engine.Actor, id string) (domain.ServiceRequest, error) {
		return e.SetPriority(ctx, a, id, domain.Priority(priority))
	})
	cmd.Flags().StringVar(&priority, "set", "", "normal, urgent or emergency")
	return cmd
}

func requestNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Append a note to the timeline",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a engine.Actor) error {
				evt, err := e.AddNote(ctx, a, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evt)
				}
				fmt.Printf("note %d added to %s\n", evt.ID, evt.RequestID)
				return nil
			})
		},
	}
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its assignments, timeline and candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetRequestDetail(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				if err := printRequest(d.Request); err != nil {
					return err
				}
				fmt.Printf("effective SLA: %s\n", d.EffectiveSLA)

				tw := newTable("Assignment", "Provider", "Assigned", "Response", "Active", "SLA")
				for _, a := range d.Assignments {
					tw.AppendRow(table.Row{a.ID, a.ProviderID, a.AssignedAt, a.ProviderResponse, a.IsActive, a.SLAStatus})
				}
				tw.Render()

				tw = newTable("At", "Event", "Actor", "Notes")
				for _, ev := range d.Timeline {
					tw.AppendRow(table.Row{ev.CreatedAt, ev.EventType, fmt.Sprintf("%s(%s)", ev.ActorID, ev.ActorRole), deref(ev.Notes)})
				}
				tw.Render()

				if len(d.Candidates) > 0 {
					printCandidates(d.Candidates)
				}
				return nil
			})
		},
	}
}

func requestListCmd() *cobra.Command {
	var f engine.PipelineFilter
	var statuses []string
	var priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the request pipeline, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.Status(s))
			}
			f.Priority = domain.Priority(priority)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.GetPipeline(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable("ID", "Number", "Service", "Priority", "Status", "Coordination", "Provider", "SLA")
				for _, it := range page.Items {
					provider := ""
					if it.ActiveAssignment != nil {
						provider = it.ActiveAssignment.ProviderID
					}
					r := it.Request
					tw.AppendRow(table.Row{r.ID, r.RequestNumber, r.ServiceType, r.Priority, r.Status, r.CoordinationStatus, provider, it.EffectiveSLA})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("next page: --cursor %q\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable or comma-separated)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.ServiceType, "service-type", "", "service type filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.ProviderID, "provider", "", "active provider filter")
	cmd.Flags().BoolVar(&f.EscalatedOnly, "escalated", false, "only escalated requests")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "page size (default 50, max 200)")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "cursor from the previous page")
	return cmd
}

func printRequest(sr domain.ServiceRequest) error {
	if viper.GetBool("json") {
		return printJSON(sr)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", sr.ID},
		{"Number", sr.RequestNumber},
		{"Client", sr.ClientID},
		{"Service", sr.ServiceType},
		{"Priority", sr.Priority},
		{"Status", sr.Status},
		{"Coordination", sr.CoordinationStatus},
		{"Escalation", sr.EscalationLevel},
		{"SLA", fmt.Sprintf("%s until %s", sr.SLAStage, sr.SLADeadline)},
		{"Attempts", sr.TotalAssignmentAttempts},
	})
	tw.Render()
	return nil
}

func printAssignment(res engine.AssignmentResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	a := res.Assignment
	fmt.Printf("assignment %s: provider %s, response %s, active %t, due %s\n",
		a.ID, a.ProviderID, a.ProviderResponse, a.IsActive, a.SLADeadline)
	return printRequest(res.Request)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}
