// Package cli is the sender command line.
//
//	sender serve              run the daemon (HTTP, AMQP, notifier, prober)
//	sender run   --job ID     run one broadcast in the foreground
//	sender create             insert a pending job record
//	sender stop  ID           ask a running daemon to stop a job
//	sender validate           check the config file
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sender/internal/app"
	"sender/internal/broadcast"
	"sender/internal/config"
	"sender/internal/jobs"
	"sender/internal/storage"
	logx "sender/pkg/logx"
)

var Version = "dev"

type rootOptions struct {
	configPath string
	envFiles   []string
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "sender",
		Short:         "Broadcast engine for WhatsApp and Telegram web sessions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadEnv(opts.envFiles...)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "config file (json or yaml)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env", nil, ".env files to load (default ./.env)")

	root.AddCommand(
		buildServeCommand(opts),
		buildRunCommand(opts),
		buildCreateCommand(opts),
		buildStopCommand(opts),
		buildValidateCommand(opts),
	)
	return root
}

func signalContext(parent context.Context) (context.Context, func(), func() app.StopReason) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	reason := app.StopUnknown
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case s := <-sigs:
			if s == syscall.SIGTERM {
				reason = app.StopSIGTERM
			} else {
				reason = app.StopSIGINT
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	stop := func() {
		signal.Stop(sigs)
		cancel()
	}
	return ctx, stop, func() app.StopReason { <-done; return reason }
}

func buildServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(opts.configPath, app.ModeServe)
			if err != nil {
				return err
			}
			ctx, stop, reason := signalContext(cmd.Context())
			defer stop()

			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				a.Logger().Warn("sd_notify ready failed", logx.Err(err))
			}
			go watchdog(ctx, a.Logger())

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			stop()
			why := reason()
			if a.Err() != nil {
				why = app.StopFatalError
			}

			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = a.Stop(sctx, why)
			return a.Err()
		},
	}
}

// watchdog pings systemd at half the configured WatchdogSec, if any.
func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("sd_notify watchdog failed", logx.Err(err))
			}
		}
	}
}

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var (
		jobID  string
		file   string
		create bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one broadcast in the foreground",
		Long: `Run reads a start request (recipients and templates) from --file and runs
it to a terminal status. With --create a missing job record is inserted first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readStartRequest(file)
			if err != nil {
				return err
			}
			if jobID != "" {
				req.JobID = jobID
			}
			if req.JobID == "" {
				return fmt.Errorf("job id is required (--job or job_id in the file)")
			}

			a, err := app.New(opts.configPath, app.ModeOnce)
			if err != nil {
				return err
			}
			ctx, stop, _ := signalContext(cmd.Context())
			defer stop()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = a.Stop(sctx, app.StopAppStop)
			}()

			if create {
				if err := ensureJob(ctx, a.Store(), req); err != nil {
					return err
				}
			}

			// Ctrl-C stops the job cooperatively instead of killing the send.
			finished := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					_, _ = a.Controller().Stop(context.WithoutCancel(ctx), req.JobID)
				case <-finished:
				}
			}()
			ok, err := a.Controller().Start(context.WithoutCancel(ctx), req)
			close(finished)
			if err != nil {
				return err
			}
			job, err := a.Store().FindJob(context.Background(), req.JobID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d sent, %d failed of %d\n", job.ID, job.Status, job.Successful, job.Failed, job.Total)
			if !ok {
				return fmt.Errorf("job %s finished without a successful send", job.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id (overrides job_id in the file)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "start request JSON file")
	cmd.Flags().BoolVar(&create, "create", false, "create the job record if it does not exist")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readStartRequest(path string) (jobs.StartRequest, error) {
	var req jobs.StartRequest
	b, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("%s: %w", path, err)
	}
	req.Platform = broadcast.ParsePlatform(string(req.Platform))
	return req, nil
}

func ensureJob(ctx context.Context, st storage.Store, req jobs.StartRequest) error {
	_, err := st.FindJob(ctx, req.JobID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, broadcast.ErrJobNotFound) {
		return err
	}
	job := broadcast.Job{
		ID:          req.JobID,
		UserID:      req.UserID,
		AccountID:   req.AccountID,
		Platform:    req.Platform,
		ScheduledAt: req.ScheduledAt,
	}
	for _, r := range req.Recipients {
		job.RecipientIDs = append(job.RecipientIDs, r.ID)
	}
	for _, t := range req.Templates {
		job.TemplateIDs = append(job.TemplateIDs, t.ID)
	}
	return st.CreateJob(ctx, job)
}

func buildCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		job        broadcast.Job
		platform   string
		recipients []string
		templates  []string
		at         string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Insert a pending job record and print its id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(opts.configPath).Load()
			if err != nil {
				return err
			}
			sc, err := cfg.StorageConfig()
			if err != nil {
				return err
			}
			st, err := storage.Open(sc, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			if job.ID == "" {
				job.ID = uuid.NewString()
			}
			job.Platform = broadcast.ParsePlatform(platform)
			job.RecipientIDs = recipients
			job.TemplateIDs = templates
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				job.ScheduledAt = &ts
			}
			if err := st.CreateJob(cmd.Context(), job); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&job.ID, "id", "", "job id (default: random uuid)")
	f.StringVar(&job.Name, "name", "", "job name")
	f.StringVar(&job.UserID, "user", "", "owning user id")
	f.StringVar(&job.AccountID, "account", "", "sending account id")
	f.StringVar(&platform, "platform", "", "whatsapp or telegram")
	f.StringSliceVar(&recipients, "recipients", nil, "recipient ids")
	f.StringSliceVar(&templates, "templates", nil, "template ids")
	f.StringVar(&at, "at", "", "scheduled start (RFC3339)")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func buildStopCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stop JOB_ID",
		Short: "Ask a running daemon to stop a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(opts.configPath).Load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = "http://" + cfg.HTTPAddr()
			}
			stopped, err := requestStop(cmd.Context(), addr, cfg.HTTP.Token, args[0])
			if err != nil {
				return err
			}
			if stopped {
				fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not running\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon base URL (default: from http.addr)")
	return cmd
}

func requestStop(ctx context.Context, base, token, jobID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	url := strings.TrimRight(base, "/") + "/jobs/" + jobID + "/stop"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stop %s: %s: %s", jobID, res.Status, strings.TrimSpace(string(body)))
	}
	var out struct {
		Stopped bool `json:"stopped"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, err
	}
	return out.Stopped, nil
}

func buildValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(opts.configPath).Load()
			if err != nil {
				return err
			}
			if _, err := cfg.Adapters(); err != nil {
				return err
			}
			if _, err := cfg.SessionConfig(); err != nil {
				return err
			}
			sc, _ := cfg.StorageConfig()
			driver := sc.Driver
			if driver == "" {
				driver = "memory"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: storage=%s http=%t amqp=%t notifier=%t\n",
				driver, cfg.HTTP.Enabled, cfg.AMQP.Enabled, cfg.Notifier.Enabled)
			return nil
		},
	}
}
