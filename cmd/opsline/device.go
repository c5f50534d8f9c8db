package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsline/internal/app"
	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/offline"
	opslinesdk "opsline/sdk/go"
)

// Outbox keys holding the device credentials saved by 'device login'.
const (
	keyDeviceAPIKey = "device.api_key"
	keyDeviceToken  = "device.token"
	keyDeviceRemote = "device.remote_url"
)

func checklistCmd() *cobra.Command {
	checklist := &cobra.Command{Use: "checklist", Short: "Checklist templates"}

	var tpl domain.ChecklistTemplate
	var items []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a checklist template",
		Long:  "Items are given as 'id=label', append ':photo' to require a photo (e.g. --item seal=Seal intact:photo).",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range items {
				item, err := parseItem(raw)
				if err != nil {
					return err
				}
				tpl.Items = append(tpl.Items, item)
			}
			tpl.Active = true
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				if err := e.RequirePrivileged(ctx, actorID); err != nil {
					return err
				}
				created, err := e.CreateChecklist(ctx, tpl, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&tpl.ID, "id", "", "template id (generated if omitted)")
	create.Flags().StringVar(&tpl.Name, "name", "", "name")
	create.Flags().StringVar(&tpl.TaskType, "type", "", "work unit type")
	create.Flags().StringArrayVar(&items, "item", nil, "item as id=label[:photo] (repeatable)")
	_ = create.MarkFlagRequired("name")

	var taskType string
	list := &cobra.Command{
		Use:   "list",
		Short: "List checklist templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChecklists(ctx, taskType)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&taskType, "type", "", "work unit type filter")

	executions := &cobra.Command{
		Use:   "executions <task-id>",
		Short: "List synced checklist executions of a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListExecutions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}

	checklist.AddCommand(create, list, executions)
	return checklist
}

func deviceCmd() *cobra.Command {
	device := &cobra.Command{
		Use:   "device",
		Short: "Fill checklists offline and sync them",
		Long: `The device outbox lives next to the workspace store (.opsline/device.db).
Drafts are edited with 'device draft', frozen with 'device finish' and delivered by 'device sync'.
A sync uploads photos, records the execution and completes the work unit; failed entries stay pending.`,
	}

	var apiKey, token, remote string
	login := &cobra.Command{
		Use:   "login",
		Short: "Store the credentials used by sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" && token == "" {
				return errors.New("--api-key or --token is required")
			}
			return withOutbox(cmd.Context(), func(ctx context.Context, o offline.Outbox) error {
				for key, value := range map[string]string{keyDeviceAPIKey: apiKey, keyDeviceToken: token, keyDeviceRemote: remote} {
					if value == "" {
						continue
					}
					if err := o.Set(ctx, key, value); err != nil {
						return err
					}
				}
				fmt.Println("credentials saved")
				return nil
			})
		},
	}
	login.Flags().StringVar(&apiKey, "api-key", "", "API key issued with 'opsline actor key'")
	login.Flags().StringVar(&token, "token", "", "bearer token")
	login.Flags().StringVar(&remote, "remote", "", "API base URL (defaults to device.remote_url in opsline.yml)")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Forget stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(cmd.Context(), func(ctx context.Context, o offline.Outbox) error {
				for _, key := range []string{keyDeviceAPIKey, keyDeviceToken, keyDeviceRemote} {
					if err := o.Remove(ctx, key); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	var responses, photos []string
	draft := &cobra.Command{
		Use:   "draft <task-id>",
		Short: "Record checklist answers for a work unit",
		Long:  "Answers are merged into the current draft by item id. Photos are copied into the outbox.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			return withOutbox(cmd.Context(), func(ctx context.Context, o offline.Outbox) error {
				var current []domain.ChecklistResponse
				existing, err := o.Draft(ctx, taskID)
				switch {
				case err == nil:
					current = existing.Responses
				case !errors.Is(err, offline.ErrNoDraft):
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				for _, raw := range responses {
					itemID, value, ok := strings.Cut(raw, "=")
					if !ok || itemID == "" {
						return fmt.Errorf("response %q: want item=value", raw)
					}
					current = upsertResponse(current, itemID, func(r *domain.ChecklistResponse) {
						r.Value = value
						r.Timestamp = now
					})
				}
				for _, raw := range photos {
					itemID, path, ok := strings.Cut(raw, "=")
					if !ok || itemID == "" || path == "" {
						return fmt.Errorf("photo %q: want item=path", raw)
					}
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					ref, err := o.PutBlob(ctx, "", data)
					if err != nil {
						return err
					}
					current = upsertResponse(current, itemID, func(r *domain.ChecklistResponse) {
						if r.PhotoRef != "" && strings.HasPrefix(r.PhotoRef, offline.BlobPrefix) {
							_ = o.DeleteBlob(ctx, r.PhotoRef)
						}
						r.PhotoRef = ref
						r.Timestamp = now
					})
				}
				entry, err := o.SaveDraft(ctx, taskID, viper.GetString("actor-id"), current)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	draft.Flags().StringArrayVar(&responses, "response", nil, "answer as item=value (repeatable)")
	draft.Flags().StringArrayVar(&photos, "photo", nil, "photo as item=path (repeatable)")

	finish := &cobra.Command{
		Use:   "finish <task-id>",
		Short: "Freeze the draft and queue it for sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(cmd.Context(), func(ctx context.Context, o offline.Outbox) error {
				entry, err := o.Finish(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}

	var all bool
	pending := &cobra.Command{
		Use:   "pending",
		Short: "List queued entries",
		Long:  "Delivered entries are purged at the end of each sync, so only drafts and undelivered entries are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(cmd.Context(), func(ctx context.Context, o offline.Outbox) error {
				states := []string{offline.StatePending, offline.StateInFlight}
				if all {
					states = append(states, offline.StateDraft)
				}
				entries, err := o.List(ctx, states...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "State", "Answers", "Attempts", "Last error", "Updated"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.TaskID, e.State, len(e.Responses), e.Attempts, e.LastError, e.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	pending.Flags().BoolVar(&all, "all", false, "include drafts")

	var local bool
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued entries",
		Long:  "Delivers to the API configured in opsline.yml (device.remote_url) using the credentials from 'device login' or OPSLINE_DEVICE_API_KEY. --local delivers straight into the workspace store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			return withOutbox(cmd.Context(), func(ctx context.Context, o offline.Outbox) error {
				r := &offline.Reconciler{Outbox: o, Logger: slog.Default().With("component", "offline")}
				if local {
					e, err := app.OpenEngine(ctx, workspace, cfg)
					if err != nil {
						return err
					}
					defer e.DB.Close()
					r.Remote = offline.EngineRemote{Engine: e, ActorID: cfg.Device.ActorID}
					r.Cache = e.Cache
				} else {
					client, err := deviceClient(ctx, o, cfg)
					if err != nil {
						return err
					}
					r.Remote = client
				}
				rep, err := r.Flush(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	sync.Flags().BoolVar(&local, "local", false, "deliver into the local workspace store")
	_ = viper.BindEnv("device-api-key", "OPSLINE_DEVICE_API_KEY")
	_ = viper.BindEnv("device-token", "OPSLINE_DEVICE_TOKEN")

	device.AddCommand(login, logout, draft, finish, pending, sync)
	return device
}

// deviceClient builds the API client used by sync. Environment credentials win over stored ones.
func deviceClient(ctx context.Context, o offline.Outbox, cfg *config.Config) (*opslinesdk.Client, error) {
	remote := cfg.Device.RemoteURL
	if stored, ok, err := o.Get(ctx, keyDeviceRemote); err != nil {
		return nil, err
	} else if ok {
		remote = stored
	}
	client := opslinesdk.New(remote)
	client.Timeout = cfg.DeviceTimeout()
	client.APIKey = viper.GetString("device-api-key")
	client.BearerToken = viper.GetString("device-token")
	if client.APIKey == "" && client.BearerToken == "" {
		var err error
		if client.APIKey, _, err = o.Get(ctx, keyDeviceAPIKey); err != nil {
			return nil, err
		}
		if client.BearerToken, _, err = o.Get(ctx, keyDeviceToken); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func withOutbox(ctx context.Context, fn func(context.Context, offline.Outbox) error) error {
	o, conn, err := app.OpenOutbox(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, o)
}

func upsertResponse(responses []domain.ChecklistResponse, itemID string, fn func(*domain.ChecklistResponse)) []domain.ChecklistResponse {
	for i := range responses {
		if responses[i].ItemID == itemID {
			fn(&responses[i])
			return responses
		}
	}
	r := domain.ChecklistResponse{ItemID: itemID}
	fn(&r)
	return append(responses, r)
}

func parseItem(raw string) (domain.ChecklistItem, error) {
	id, label, ok := strings.Cut(raw, "=")
	if !ok || id == "" || label == "" {
		return domain.ChecklistItem{}, fmt.Errorf("item %q: want id=label[:photo]", raw)
	}
	item := domain.ChecklistItem{ID: id, Label: label}
	if l, found := strings.CutSuffix(label, ":photo"); found {
		item.Label = l
		item.RequiresPhoto = true
	}
	return item, nil
}
