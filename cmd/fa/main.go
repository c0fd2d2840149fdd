package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"fieldaudit/internal/app"
	"fieldaudit/internal/config"
	"fieldaudit/internal/db"
	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine"
	"fieldaudit/internal/ids"
	"fieldaudit/internal/repo"
	"fieldaudit/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fa",
	Short: "Fieldaudit CLI",
	Long: `Fieldaudit coordinates field inspections from draft to approval.
- Workspace: the .fieldaudit directory holding the SQLite database, plus an optional fieldaudit.yml.
- Project: a site with members; each member holds one role (INSPECTOR, PROJECT_MANAGER, EXECUTIVE).
- Inspection: a checklist moving DRAFT -> PENDING -> IN_REVIEW -> APPROVED/REJECTED; rejected work goes back to PENDING.
- Escalation: queued when an inspection is rejected too often; the other managers are reminded until someone resolves it or it expires.
- Conflict: evidence that disputes earlier evidence (different type or far apart in space), assigned to the first project manager.
- Event log: every change, view with 'fa log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "actor identifier")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log as JSON")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(inspectionCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": true, "path": db.Path(rt.Workspace)})
				}
				fmt.Println("database ready at", db.Path(rt.Workspace))
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage fieldaudit.yml",
		Long:  "fieldaudit.yml tunes the escalation threshold and timers, the conflict window and distance, the server address and webhooks. Missing keys keep their defaults.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default fieldaudit.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			return yaml.NewEncoder(os.Stdout).Encode(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate fieldaudit.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var id, name, ownerRole string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project owned by --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.CreateProject(ctx, engine.CreateProjectInput{
					ID: id, Name: name, OwnerID: actor, OwnerRole: domain.Role(strings.ToUpper(ownerRole)),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Project)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&ownerRole, "owner-role", "EXECUTIVE", "role granted to the creator")
	_ = create.MarkFlagRequired("id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	prj.AddCommand(create, list)
	return prj
}

func memberCmd() *cobra.Command {
	mem := &cobra.Command{Use: "member", Short: "Manage project members"}

	var role string
	add := &cobra.Command{
		Use:   "add <actor-id>",
		Short: "Add a member to the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			r, ok := domain.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				res, err := rt.Engine.AddMember(ctx, projectID, args[0], r, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Membership)
			})
		},
	}
	add.Flags().StringVar(&role, "role", "INSPECTOR", "INSPECTOR, PROJECT_MANAGER or EXECUTIVE")

	var newRole string
	setRole := &cobra.Command{
		Use:   "role <actor-id>",
		Short: "Change a member's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			r, ok := domain.ParseRole(newRole)
			if !ok {
				return fmt.Errorf("unknown role %q", newRole)
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				res, err := rt.Engine.SetMemberRole(ctx, projectID, args[0], r, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Membership)
			})
		},
	}
	setRole.Flags().StringVar(&newRole, "role", "", "new role")
	_ = setRole.MarkFlagRequired("role")

	list := &cobra.Command{
		Use:   "list",
		Short: "List members in join order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Repo.ListMembers(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "Actor", "Role", "Joined")
				for _, m := range items {
					tw.AppendRow(table.Row{m.Seq, m.ActorID, m.Role, m.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	mem.AddCommand(add, setRole, list)
	return mem
}

func inspectionCmd() *cobra.Command {
	insp := &cobra.Command{Use: "inspection", Short: "Manage inspections"}
	insp.AddCommand(inspectionCreateCmd())
	insp.AddCommand(inspectionListCmd())
	insp.AddCommand(inspectionShowCmd())
	insp.AddCommand(inspectionRespondCmd())
	insp.AddCommand(inspectionTransitionCmd())
	insp.AddCommand(inspectionResetCmd())
	return insp
}

func inspectionCreateCmd() *cobra.Command {
	var id, inspector, title, priority, due string
	var questions, required, evidenceRequired []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a DRAFT inspection",
		Example: `  fa inspection create --inspector insp-1 --title "Pier 4 bearings" \
    --question "q1=Bearing condition" --question "q2=Plate photo" --required q1 --evidence-required q2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			checklist, err := parseChecklist(questions, required, evidenceRequired)
			if err != nil {
				return err
			}
			var dueDate *time.Time
			if due != "" {
				t, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return fmt.Errorf("--due: %w", err)
				}
				dueDate = &t
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				res, err := rt.Engine.CreateInspection(ctx, engine.CreateInspectionInput{
					ID:          id,
					ProjectID:   projectID,
					InspectorID: inspector,
					Title:       title,
					Priority:    domain.Priority(strings.ToUpper(priority)),
					DueDate:     dueDate,
					Checklist:   checklist,
					ActorID:     actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Inspection)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "inspection id (generated when empty)")
	cmd.Flags().StringVar(&inspector, "inspector", "", "assigned inspector")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&priority, "priority", "MEDIUM", "LOW, MEDIUM or HIGH")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	cmd.Flags().StringArrayVar(&questions, "question", nil, "checklist question as id=text (repeatable)")
	cmd.Flags().StringSliceVar(&required, "required", nil, "question ids that need an answer")
	cmd.Flags().StringSliceVar(&evidenceRequired, "evidence-required", nil, "question ids that need evidence")
	_ = cmd.MarkFlagRequired("inspector")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func parseChecklist(questions, required, evidenceRequired []string) ([]domain.ChecklistQuestion, error) {
	res := make([]domain.ChecklistQuestion, 0, len(questions))
	index := map[string]int{}
	for _, q := range questions {
		id, text, _ := strings.Cut(q, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid --question %q: want id=text", q)
		}
		index[id] = len(res)
		res = append(res, domain.ChecklistQuestion{ID: id, Text: strings.TrimSpace(text)})
	}
	for _, id := range required {
		i, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("--required %s: no such question", id)
		}
		res[i].Required = true
	}
	for _, id := range evidenceRequired {
		i, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("--evidence-required %s: no such question", id)
		}
		res[i].EvidenceRequired = true
	}
	return res, nil
}

func inspectionListCmd() *cobra.Command {
	var status, inspector string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inspections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Repo.ListInspections(ctx, repo.InspectionFilters{
					ProjectID:   projectID,
					Status:      domain.Status(strings.ToUpper(status)),
					InspectorID: inspector,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Status", "Priority", "Inspector", "Rejections")
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.Title, i.Status, i.Priority, i.InspectorID, i.RejectionCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&inspector, "inspector", "", "inspector filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func inspectionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an inspection with its review history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				insp, err := rt.Engine.GetInspection(ctx, args[0], actor)
				if err != nil {
					return err
				}
				approvals, err := rt.Repo.ListApprovals(ctx, insp.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"inspection": insp, "approvals": approvals})
			})
		},
	}
}

func inspectionRespondCmd() *cobra.Command {
	var answers, evidence []string
	cmd := &cobra.Command{
		Use:     "respond <id>",
		Short:   "Record checklist answers on a draft",
		Example: `  fa inspection respond INSP --answer q1=good --evidence q2=EVIDENCE_ID`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			responses := map[string]domain.Response{}
			for _, a := range answers {
				q, v, ok := strings.Cut(a, "=")
				if !ok {
					return fmt.Errorf("invalid --answer %q: want question=value", a)
				}
				r := responses[q]
				r.Value = v
				responses[q] = r
			}
			for _, e := range evidence {
				q, v, ok := strings.Cut(e, "=")
				if !ok {
					return fmt.Errorf("invalid --evidence %q: want question=id[,id]", e)
				}
				r := responses[q]
				r.EvidenceIDs = append(r.EvidenceIDs, strings.Split(v, ",")...)
				responses[q] = r
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.UpdateResponses(ctx, args[0], actor, responses)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Inspection)
			})
		},
	}
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "answer as question=value (repeatable)")
	cmd.Flags().StringArrayVar(&evidence, "evidence", nil, "evidence ids as question=id[,id] (repeatable)")
	return cmd
}

func inspectionTransitionCmd() *cobra.Command {
	var to, notes, escalationReason string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move an inspection to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Transition(ctx, engine.TransitionInput{
					InspectionID:     args[0],
					To:               domain.Status(strings.ToUpper(to)),
					ActorID:          actor,
					Notes:            notes,
					EscalationReason: escalationReason,
				})
				if err != nil {
					return err
				}
				if res.Escalation != nil && !viper.GetBool("json") {
					fmt.Fprintf(os.Stderr, "escalation %s queued after %d rejections\n", res.Escalation.ID, res.Inspection.RejectionCount)
				}
				return printJSONOrTable(res.Inspection)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "PENDING, IN_REVIEW, APPROVED or REJECTED")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes (required for APPROVED and REJECTED)")
	cmd.Flags().StringVar(&escalationReason, "escalation-reason", "", "marks the review as escalated")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func inspectionResetCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reset-rejections <id>",
		Short: "Executive override: reset the rejection count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ResetRejections(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Inspection)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the count is reset")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evidence", Short: "Manage evidence metadata"}

	var fileType, uri, question, capturedAt string
	var lat, lon, accuracy float64
	add := &cobra.Command{
		Use:   "add <inspection-id>",
		Short: "Submit evidence and check it for conflicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			e := domain.Evidence{InspectionID: args[0], QuestionID: question, FileType: fileType, URI: uri}
			if capturedAt != "" {
				t, err := time.Parse(time.RFC3339, capturedAt)
				if err != nil {
					return fmt.Errorf("--captured-at: %w", err)
				}
				e.CapturedAt = t
			}
			if cmd.Flags().Changed("lat") {
				e.Latitude = &lat
			}
			if cmd.Flags().Changed("lon") {
				e.Longitude = &lon
			}
			if cmd.Flags().Changed("accuracy") {
				e.Accuracy = &accuracy
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.SubmitEvidence(ctx, engine.SubmitEvidenceInput{Evidence: e, ActorID: actor})
				if err != nil && res.Evidence.ID == "" {
					return err
				}
				if err != nil {
					fmt.Fprintln(os.Stderr, "warning:", err)
				}
				if res.Conflict != nil && !viper.GetBool("json") {
					fmt.Fprintf(os.Stderr, "conflict %s (%s) assigned to %s\n", res.Conflict.ID, res.Conflict.Type, res.Conflict.AssignedManagerID)
				}
				return printJSONOrTable(map[string]any{"evidence": res.Evidence, "conflict": res.Conflict})
			})
		},
	}
	add.Flags().StringVar(&fileType, "type", "", "MIME type of the capture")
	add.Flags().StringVar(&uri, "uri", "", "blob store reference")
	add.Flags().StringVar(&question, "question", "", "checklist question id")
	add.Flags().StringVar(&capturedAt, "captured-at", "", "capture time (RFC3339, default now)")
	add.Flags().Float64Var(&lat, "lat", 0, "latitude")
	add.Flags().Float64Var(&lon, "lon", 0, "longitude")
	add.Flags().Float64Var(&accuracy, "accuracy", 0, "GPS accuracy in meters")
	_ = add.MarkFlagRequired("type")

	list := &cobra.Command{
		Use:   "list <inspection-id>",
		Short: "List evidence of an inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListEvidence(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Question", "Type", "Captured", "Location", "By")
				for _, e := range items {
					loc := ""
					if e.HasLocation() {
						loc = fmt.Sprintf("%.5f,%.5f", *e.Latitude, *e.Longitude)
					}
					tw.AppendRow(table.Row{e.ID, e.QuestionID, e.FileType, e.CapturedAt.Format(time.RFC3339), loc, e.SubmittedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	ev.AddCommand(add, list)
	return ev
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escalation", Short: "Manage escalations"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Repo.ListEscalations(ctx, repo.EscalationFilters{ProjectID: projectID, Status: domain.EscalationStatus(strings.ToUpper(status))})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Inspection", "Status", "Priority", "Manager", "Reminders", "Expires")
				for _, e := range items {
					expires := ""
					if e.ExpiresAt != nil {
						expires = e.ExpiresAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{e.ID, e.InspectionID, e.Status, e.Priority, e.OriginalManagerID, e.NotificationCount, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")

	var reason string
	create := &cobra.Command{
		Use:   "create <inspection-id>",
		Short: "Escalate an inspection by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Escalate(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Escalation)
			})
		},
	}
	create.Flags().StringVar(&reason, "reason", "", "reason")
	_ = create.MarkFlagRequired("reason")

	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an active escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ResolveEscalation(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Escalation)
			})
		},
	}
	esc.AddCommand(list, create, resolve)
	return esc
}

func conflictCmd() *cobra.Command {
	con := &cobra.Command{Use: "conflict", Short: "Manage evidence conflicts"}

	var status, assigned string
	list := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Repo.ListConflicts(ctx, repo.ConflictFilters{
					ProjectID:         projectID,
					AssignedManagerID: assigned,
					Status:            domain.ConflictStatus(strings.ToUpper(status)),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Inspection", "Type", "Status", "Assigned", "Evidence")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.InspectionID, c.Type, c.Status, c.AssignedManagerID, strings.Join(c.EvidenceIDs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().StringVar(&assigned, "assigned", "", "assigned manager filter")

	var decision, notes string
	var keep []string
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Record a decision on a pending conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ResolveConflict(ctx, engine.ResolveConflictInput{
					ConflictID: args[0], ActorID: actor, Decision: decision, Notes: notes, KeptEvidenceIDs: keep,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Conflict)
			})
		},
	}
	resolve.Flags().StringVar(&decision, "decision", "", "decision")
	resolve.Flags().StringVar(&notes, "notes", "", "notes")
	resolve.Flags().StringSliceVar(&keep, "keep", nil, "evidence ids to keep")
	_ = resolve.MarkFlagRequired("decision")
	con.AddCommand(list, resolve)
	return con
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one escalation scheduler pass",
		Long:  "Sends due reminders and expires stale escalations. 'fa serve' runs this on the configured tick interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Tick(ctx)
				if perr := printJSONOrTable(map[string]any{"notified": len(res.Notified), "expired": len(res.Expired)}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.LatestEvents(ctx, repo.EventFilters{
					ProjectID:  viper.GetString("project"),
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := "fa_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				k := domain.APIKey{ID: ids.New(), ActorID: actor, Name: name, KeyHash: repo.HashAPIKey(secret), CreatedAt: time.Now().UTC()}
				if err := rt.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": k.ID, "actor_id": actor, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	key.AddCommand(create, list, revoke)
	return key
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id using FA_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), actor, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the escalation scheduler and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				if !cmd.Flags().Changed("addr") && rt.Config.Server.Addr != "" {
					addr = rt.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && rt.Config.Server.BasePath != "" {
					basePath = rt.Config.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return errors.New("FA_JWT_SECRET is required for bearer auth")
				}
				authCfg := server.AuthConfig{JWTSecret: secret, AllowActorHeader: dev, AllowDevLogin: dev}
				fmt.Fprintf(os.Stderr, "Serving fieldaudit API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				return rt.Serve(ctx, app.ServeOptions{Addr: addr, BasePath: basePath, Auth: authCfg})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable dev login and the X-Actor-Id header")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	return app.NewLogger(os.Stderr, viper.GetString("log-level"), viper.GetBool("log-json"))
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withProject(ctx context.Context, fn func(context.Context, *app.Runtime, string) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		projectID, err := app.ResolveProject(ctx, rt.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, rt, projectID)
	})
}

func requireActor() (string, error) {
	actor := strings.TrimSpace(viper.GetString("actor-id"))
	if actor == "" {
		return "", errors.New("--actor-id (or FA_ACTOR_ID) is required")
	}
	return actor, nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
