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

	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/server"
	"handoff/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "ho",
	Short: "Handoff CLI",
	Long: `Handoff dispatches task requests between a requestor and executors.
Every request is a thread: an event log plus a human-readable document set
filed under the partition its status routes to (received, executing,
finished, canceled). Executors authenticate with opaque tokens; the two
materializations of a thread stay interchangeable via export and import.`,
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
	viper.SetEnvPrefix("HANDOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "handoff.yml", "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(executorCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var exchangeID, root string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			cfg := config.Default(exchangeID)
			if root != "" {
				cfg.Storage.Root = root
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&exchangeID, "exchange", "", "exchange id")
	cmd.Flags().StringVar(&root, "root", "", "filesystem storage root")
	_ = cmd.MarkFlagRequired("exchange")
	return cmd
}

func executorCmd() *cobra.Command {
	ex := &cobra.Command{Use: "executor", Short: "Manage executors"}
	ex.AddCommand(executorRegisterCmd())
	ex.AddCommand(executorListCmd())
	ex.AddCommand(executorUpdateCmd())
	return ex
}

func executorRegisterCmd() *cobra.Command {
	var id, name string
	var channels, capabilities []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register executor and print its token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				token, executor, err := e.RegisterExecutor(ctx, engine.RegisterExecutorOptions{
					ExecutorID:   id,
					Name:         name,
					Channels:     channels,
					Capabilities: capabilities,
				})
				if err != nil {
					return err
				}
				// The token is shown exactly once; only its digest is stored.
				return printJSONOrTable(map[string]any{
					"token":    token,
					"executor": executor,
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "executor id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "delivery channel (repeatable)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability tag (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func executorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListExecutors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Channels", "Capabilities"})
				for _, ex := range items {
					tw.AppendRow(table.Row{ex.ID, ex.Name, strings.Join(ex.Channels, ","), strings.Join(ex.Capabilities, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func executorUpdateCmd() *cobra.Command {
	var name string
	var channels, capabilities []string
	cmd := &cobra.Command{
		Use:   "update <executor-id>",
		Short: "Update own executor profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				executor, err := e.UpdateExecutorProfile(ctx, engine.UpdateExecutorProfileOptions{
					ExecutorID:   args[0],
					ActorID:      viper.GetString("actor-id"),
					Name:         name,
					Channels:     channels,
					Capabilities: capabilities,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(executor)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "delivery channel (repeatable)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability tag (repeatable)")
	return cmd
}

func threadCmd() *cobra.Command {
	th := &cobra.Command{Use: "thread", Short: "Manage request threads"}
	th.AddCommand(threadCreateCmd())
	th.AddCommand(threadListCmd())
	th.AddCommand(threadShowCmd())
	th.AddCommand(threadStatusCmd())
	th.AddCommand(threadMessageCmd())
	return th
}

func threadCreateCmd() *cobra.Command {
	var ref, intent, priority, contextNote string
	var wantsPhoto bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a request thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.CreateThread(ctx, engine.CreateThreadOptions{
					Ref:        ref,
					Intent:     intent,
					Priority:   priority,
					Context:    contextNote,
					WantsPhoto: wantsPhoto,
					Requestor:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "thread ref (generated when empty)")
	cmd.Flags().StringVar(&intent, "intent", "", "what is being asked for")
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, high, or urgent")
	cmd.Flags().StringVar(&contextNote, "context", "", "free-form context")
	cmd.Flags().BoolVar(&wantsPhoto, "wants-photo", false, "request photo evidence")
	_ = cmd.MarkFlagRequired("intent")
	return cmd
}

func threadListCmd() *cobra.Command {
	var partition string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				envelopes, err := e.ListThreads(ctx, partition)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(envelopes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ref", "Status", "Intent", "Executor", "Updated"})
				for _, env := range envelopes {
					tw.AppendRow(table.Row{env.Ref, env.Status, env.Intent, env.Executor, env.Updated.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&partition, "partition", "", "received, executing, finished, or canceled")
	return cmd
}

func threadShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ref>",
		Short: "Show a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetThread(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func threadStatusCmd() *cobra.Command {
	var status, note string
	cmd := &cobra.Command{
		Use:   "status <ref>",
		Short: "Transition a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.UpdateStatusOptions{
					Ref:     args[0],
					Status:  status,
					ActorID: viper.GetString("actor-id"),
				}
				if note != "" {
					opts.Message = &domain.Message{
						From:    viper.GetString("actor-id"),
						Content: []domain.ContentItem{{Type: domain.ItemResponse, Text: note}},
					}
				}
				view, err := e.UpdateStatus(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&note, "note", "", "response text riding along with the transition")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func threadMessageCmd() *cobra.Command {
	var itemType, text, file, mime, channel string
	cmd := &cobra.Command{
		Use:   "message <ref>",
		Short: "Append a message to a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item := domain.ContentItem{Type: itemType, Text: text, Mime: mime}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				item.Data = data
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.AddMessage(ctx, engine.AddMessageOptions{
					Ref:     args[0],
					From:    viper.GetString("actor-id"),
					Channel: channel,
					Content: []domain.ContentItem{item},
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().StringVar(&itemType, "type", domain.ItemStatus, "content item type")
	cmd.Flags().StringVar(&text, "text", "", "text content")
	cmd.Flags().StringVar(&file, "file", "", "path to binary content")
	cmd.Flags().StringVar(&mime, "mime", "", "mime type of binary content")
	cmd.Flags().StringVar(&channel, "channel", "", "delivery channel")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <ref>",
		Short: "Export a thread as a flat document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				content, err := e.ExportFlat(ctx, args[0])
				if err != nil {
					return err
				}
				if out == "" {
					_, err = os.Stdout.Write(content)
					return err
				}
				return os.WriteFile(out, content, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (stdout when empty)")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a flat thread document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.ImportFlatDocument(ctx, content)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				secret := e.Config.Server.JWTSecret
				if env := os.Getenv("HANDOFF_JWT_SECRET"); env != "" {
					secret = env
				}
				if secret == "" {
					return fmt.Errorf("server.jwt_secret or HANDOFF_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
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
				fmt.Printf("Serving handoff API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(backend, cfg))
}

func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Kind {
	case "fs":
		return storage.NewFSBackend(cfg.Storage.Root)
	case "s3":
		return storage.NewS3Backend(ctx, storage.S3Config{
			Bucket:   cfg.Storage.Bucket,
			Region:   cfg.Storage.Region,
			Endpoint: cfg.Storage.Endpoint,
			Prefix:   cfg.Storage.Prefix,
		})
	case "bucket":
		return storage.NewGCSBackend(ctx, cfg.Storage.Bucket, cfg.Storage.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
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
