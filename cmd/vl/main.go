package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vaultline/internal/app"
	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/server"
	"vaultline/internal/watch"
)

var rootCmd = &cobra.Command{
	Use:   "vl",
	Short: "Vaultline CLI",
	Long: `Vaultline is a workflow vault: a store of work items flowing through
review states, with claims, time-bounded approvals, and an append-only
audit ledger.
- Items land in Intake (from perception adapters or 'vl item create').
- A reasoner triages, plans, and requests approval for risky actions.
- Humans approve or reject within the approval window; after it closes
  the request expires no matter what.
- Executors check executability, act, and report to the ledger.
- Claims ('vl claim take') give one worker exclusive custody of an item.
- The dashboard is a derived summary; one designated writer persists it,
  everyone else contributes deltas.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VAULTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("vault", "v", ".", "vault directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a vault directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := app.Open(viper.GetString("vault"), true)
			if err != nil {
				return err
			}
			defer v.Close()
			fmt.Printf("Initialized vault in %s (store: %s)\n", v.Dir, v.Config.Vault.Store)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show vault status",
		Long:  "Per-collection item counts plus quarantine and active claims.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				counts, err := v.Engine.Counts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Collection", "Items"})
				for _, c := range domain.StateCollections {
					tw.AppendRow(table.Row{c, counts[c]})
				}
				tw.AppendRow(table.Row{domain.CollectionQuarantine, counts[domain.CollectionQuarantine]})
				tw.AppendRow(table.Row{domain.CollectionClaims, counts[domain.CollectionClaims]})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect vault config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				return printJSONOrTable(v.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate vault config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				return v.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Items flow intake -> triaged -> planned -> pending_approval -> approved/rejected/expired -> done. Every transition is one atomic move recorded in the ledger.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemTransitionCmd())
	item.AddCommand(itemResubmitCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var metadata []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item in Intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			meta, err := parseKeyValues(metadata)
			if err != nil {
				return err
			}
			opts.Metadata = meta
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				rec, err := v.Engine.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (optional, producers retry idempotently with a stable id)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "message", "item kind (message, file_drop, plan)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "normal", "priority (low, normal, high, urgent)")
	cmd.Flags().StringVar(&opts.Source, "source", "", "producing channel")
	cmd.Flags().StringVar(&opts.Body, "body", "", "item body")
	cmd.Flags().StringArrayVar(&metadata, "meta", []string{}, "metadata key=value (repeatable)")
	return cmd
}

func itemListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items in a state collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := domain.CollectionFor(state)
			if collection == "" {
				if state == strings.ToLower(domain.CollectionQuarantine) {
					collection = domain.CollectionQuarantine
				} else {
					return fmt.Errorf("unknown state %q", state)
				}
			}
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				recs, malformed, err := v.Store.List(ctx, collection)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": recs, "malformed": malformed})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Priority", "Source", "Created"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.ID, r.Kind, r.Priority, r.Source, r.CreatedAt})
				}
				tw.Render()
				for _, id := range malformed {
					fmt.Printf("  ! malformed: %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", domain.StateIntake, "state collection to list")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Locate an item and show it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				rec, collection, err := v.Engine.FindItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"collection": collection, "record": rec})
			})
		},
	}
	return cmd
}

func itemTransitionCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move an item between states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				rec, err := v.Engine.Transition(ctx, args[0], from, to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "current state")
	cmd.Flags().StringVar(&to, "to", "", "target state")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func itemResubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Resubmit a rejected item as a fresh Intake record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				rec, err := v.Engine.Resubmit(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	claim := &cobra.Command{
		Use:   "claim",
		Short: "Manage claims",
		Long:  "A claim moves an item into the owner's namespace so no other worker can touch it. Finish with 'complete' (moves it onward) or 'release' (puts it back).",
	}
	claim.AddCommand(claimTakeCmd())
	claim.AddCommand(claimReleaseCmd())
	claim.AddCommand(claimCompleteCmd())
	claim.AddCommand(claimReclaimCmd())
	return claim
}

func claimTakeCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "take <id>",
		Short: "Claim exclusive custody of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				claim, err := v.Engine.Claim(ctx, state, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(claim)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", domain.StateIntake, "state to claim from")
	return cmd
}

func claimReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a claim back to its origin state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				rec, err := v.Engine.Release(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func claimCompleteCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Finish a claim by moving the item onward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				actor := viper.GetString("actor-id")
				rec, err := v.Engine.Complete(ctx, args[0], actor, to, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func claimReclaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Sweep claims past the configured TTL back to their origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				n, err := v.Engine.ReclaimStale(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"reclaimed": n})
				}
				fmt.Printf("reclaimed %d stale claim(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{
		Use:   "approval",
		Short: "Manage approval requests",
		Long:  "Approval requests gate side-effecting actions behind a human decision and a hard expiry window. After the window closes the request can only expire.",
	}
	ap.AddCommand(approvalCreateCmd())
	ap.AddCommand(approvalApproveCmd())
	ap.AddCommand(approvalRejectCmd())
	ap.AddCommand(approvalCheckCmd())
	ap.AddCommand(approvalSweepCmd())
	return ap
}

func approvalCreateCmd() *cobra.Command {
	var opts engine.ApprovalOptions
	var metadata []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an approval request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			meta, err := parseKeyValues(metadata)
			if err != nil {
				return err
			}
			opts.Metadata = meta
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				rec, err := v.Engine.CreateApproval(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action from the configured catalog")
	cmd.Flags().StringVar(&opts.To, "to", "", "action target (recipient, channel)")
	cmd.Flags().StringVar(&opts.LinkedItemID, "linked-item", "", "work item this request belongs to")
	cmd.Flags().StringVar(&opts.Priority, "priority", "normal", "priority")
	cmd.Flags().StringVar(&opts.Source, "source", "", "requesting component")
	cmd.Flags().StringVar(&opts.Body, "body", "", "proposed content")
	cmd.Flags().StringArrayVar(&metadata, "meta", []string{}, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func approvalApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Grant a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				rec, err := v.Engine.Approve(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func approvalRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				rec, err := v.Engine.Reject(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func approvalCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <id>",
		Short: "Check whether an approval may still be executed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				verdict, rec, err := v.Engine.CheckExecutable(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"verdict": verdict, "record": rec})
				}
				fmt.Printf("%s: %s (action %s, expires %s)\n", rec.ID, verdict, rec.Action, rec.ExpiresAt)
				return nil
			})
		},
	}
	return cmd
}

func approvalSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every approval past its window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				n, err := v.Engine.SweepExpired(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"expired": n})
				}
				fmt.Printf("expired %d approval(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Audit ledger",
		Long:  "The append-only diary of everything that happened, partitioned by day.",
	}
	lg.AddCommand(logTailCmd())
	lg.AddCommand(logShowCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				entries, err := v.Ledger.Tail(n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "Action", "Actor", "Target", "Result"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Timestamp, e.ActionType, e.Actor, e.Target, e.Result})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func logShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <date>",
		Short: "Show one day's ledger partition (YYYY-MM-DD)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				entries, err := v.Ledger.Read(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	return cmd
}

func dashboardCmd() *cobra.Command {
	dash := &cobra.Command{
		Use:   "dashboard",
		Short: "Derived vault summary",
		Long:  "The dashboard is non-authoritative and rebuildable from scratch. One designated writer persists Dashboard.json; every other role submits deltas.",
	}
	dash.AddCommand(dashboardShowCmd())
	dash.AddCommand(dashboardWriteCmd())
	dash.AddCommand(dashboardDeltaCmd())
	return dash
}

func newAggregator(v *app.Vault) dashboard.Aggregator {
	return dashboard.Aggregator{
		Store:    v.Store,
		Ledger:   v.Ledger,
		Writer:   v.Config.Dashboard.Writer,
		VaultDir: v.Dir,
	}
}

func dashboardShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Build and display a fresh snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				snap, err := newAggregator(v).Build(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Print(dashboard.Render(snap))
				return nil
			})
		},
	}
	return cmd
}

func dashboardWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Build and persist the snapshot (designated writer only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				agg := newAggregator(v)
				snap, err := agg.Build(ctx)
				if err != nil {
					return err
				}
				if err := agg.Write(ctx, viper.GetString("actor-id"), snap); err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	return cmd
}

func dashboardDeltaCmd() *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "delta",
		Short: "Submit a dashboard delta to the side channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := parseKeyValues(fields)
			if err != nil {
				return err
			}
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				d, err := newAggregator(v).SubmitDelta(ctx, viper.GetString("actor-id"), kv)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringArrayVar(&fields, "set", []string{}, "field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch Intake and quarantine malformed drops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				w := watch.Watcher{
					Engine:   v.Engine,
					VaultDir: v.Dir,
					Interval: time.Duration(v.Config.Watch.Interval),
					ActorID:  viper.GetString("actor-id"),
				}
				err := w.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, v *app.Vault) error {
				if addr == "" {
					addr = v.Config.Server.Listen
				}
				if basePath == "" {
					basePath = v.Config.Server.BasePath
				}
				jwtSecret := os.Getenv("VAULTLINE_JWT_SECRET")
				if jwtSecret == "" {
					jwtSecret = v.Config.Server.JWTSecret
				}
				authCfg := server.AuthConfig{
					JWTSecret:        jwtSecret,
					AllowActorHeader: v.Config.Server.AllowActorHeader,
					APIKeys:          v.Config.Server.APIKeys,
				}
				if jwtSecret == "" && len(authCfg.APIKeys) == 0 && !authCfg.AllowActorHeader {
					return fmt.Errorf("no auth configured: set VAULTLINE_JWT_SECRET, api_keys, or allow_actor_header")
				}
				handler, err := server.New(server.Config{
					Engine:    v.Engine,
					Dashboard: newAggregator(v),
					BasePath:  basePath,
					Auth:      authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Vaultline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withVault(ctx context.Context, fn func(context.Context, *app.Vault) error) error {
	v, err := app.Open(viper.GetString("vault"), false)
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(ctx, v)
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

func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[key] = value
	}
	return out, nil
}
