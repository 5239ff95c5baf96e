package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dentaldesk/dentaldesk/internal/config"
	"github.com/dentaldesk/dentaldesk/internal/domain/agentjobs"
	"github.com/dentaldesk/dentaldesk/internal/platform/gateway"
	"github.com/dentaldesk/dentaldesk/internal/platform/sandbox"
	"github.com/dentaldesk/dentaldesk/internal/platform/session"
	"github.com/dentaldesk/dentaldesk/internal/platform/signals"
)

// core bundles the client-side subsystems the commands share.
type core struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   session.Store
	bus     *signals.Bus
	guard   *session.Guard
	gw      *gateway.Gateway
	coord   *agentjobs.Coordinator
	tracker *agentjobs.Tracker
}

func newCore() (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	store := session.NewFileStore(cfg.SessionFile)
	bus := signals.NewBus()
	guard := session.NewGuard(store, bus, cfg.GuardCooldown(), logger)
	gw := gateway.New(cfg.APIBaseURL, store, guard, cfg.RequestTimeout(), logger)
	coord := agentjobs.NewCoordinator(gw, logger)
	poller := agentjobs.NewPoller(coord, cfg.PollInterval(), logger)

	return &core{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		bus:     bus,
		guard:   guard,
		gw:      gw,
		coord:   coord,
		tracker: agentjobs.NewTracker(poller),
	}, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "dentaldesk",
		Short: "Clinic portal client for the dental backend",
	}

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(sandboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate against the clinic backend and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}

			var out struct {
				Token string `json:"token"`
				Role  string `json:"role"`
				User  string `json:"user"`
			}
			err = c.gw.SendJSON(cmd.Context(), gateway.Request{
				Method:    http.MethodPost,
				Path:      "/api/auth/login",
				Body:      map[string]string{"username": username, "password": password},
				Anonymous: true,
			}, &out)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			sess := session.Session{Credential: out.Token, Role: out.Role, Identity: out.User}
			if err := session.Save(c.store, sess); err != nil {
				return fmt.Errorf("persist session: %w", err)
			}
			fmt.Printf("Logged in as %s (%s)\n", out.User, out.Role)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "Username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("password")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Destroy the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}
			if err := session.Clear(c.store); err != nil {
				return fmt.Errorf("clear session: %w", err)
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}
			sess, err := session.Current(c.store)
			if err != nil {
				return err
			}
			if sess.Credential == "" {
				fmt.Println("Not logged in.")
				return nil
			}
			fmt.Printf("%s (%s)\n", sess.Identity, sess.Role)
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Submit and track background agent jobs",
	}
	cmd.AddCommand(agentsSubmitCmd())
	cmd.AddCommand(agentsStatusCmd())
	cmd.AddCommand(agentsWatchCmd())
	return cmd
}

func agentsSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <entityType> <entityID> <jobKind>",
		Short: "Submit an agent job (idempotent: converges on any active job)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}
			handle, err := c.coord.Submit(cmd.Context(), args[0], args[1], args[2], map[string]any{})
			if err != nil {
				return err
			}
			printHandle(*handle)
			return nil
		},
	}
}

func agentsStatusCmd() *cobra.Command {
	var jobKind string
	cmd := &cobra.Command{
		Use:   "status <entityType> <entityID>",
		Short: "Show the latest agent job status for an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}
			snap, err := c.coord.Latest(cmd.Context(), args[0], args[1], jobKind)
			if err != nil {
				return err
			}
			if snap == nil {
				fmt.Println("No job history for this entity.")
				return nil
			}
			fmt.Printf("event %d  %s  %s  %s\n",
				snap.EventID, snap.EventType, snap.Status, snap.UpdatedAt.Format(time.RFC3339))
			if snap.LastError != "" {
				fmt.Printf("  last error: %s\n", snap.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobKind, "type", "", "Filter by job kind")
	return cmd
}

func agentsWatchCmd() *cobra.Command {
	var submit bool
	cmd := &cobra.Command{
		Use:   "watch <entityType> <entityID> <jobKind>",
		Short: "Poll an agent job until it reaches a terminal state",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Bail out if the session gets terminated underneath us.
			c.bus.Subscribe(signals.SessionTerminated, func(sig signals.Signal) {
				fmt.Printf("Session terminated (%s); stopping.\n", sig.Reason)
				stop()
			})

			handle := agentjobs.Handle{
				EntityType: args[0],
				EntityID:   args[1],
				JobKind:    args[2],
				Status:     agentjobs.StatusNew,
			}
			if submit {
				h, err := c.coord.Submit(ctx, args[0], args[1], args[2], map[string]any{})
				if err != nil {
					return err
				}
				handle = *h
				printHandle(handle)
			}

			sess := c.tracker.Watch(ctx, handle, printHandle)
			select {
			case <-ctx.Done():
				c.tracker.StopAll()
				<-sess.Done()
			case <-sess.Done():
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&submit, "submit", false, "Submit the job before watching")
	return cmd
}

func sandboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sandbox",
		Short: "Run the synthetic clinic backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCore()
			if err != nil {
				return err
			}

			sbCfg := sandbox.DefaultConfig()
			if c.cfg.SandboxSigningKey != "" {
				sbCfg.SigningKey = c.cfg.SandboxSigningKey
			}
			if c.cfg.SandboxAdvanceMs > 0 {
				sbCfg.AdvanceEvery = time.Duration(c.cfg.SandboxAdvanceMs) * time.Millisecond
			}

			srv := sandbox.New(sbCfg, c.logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				srv.Close()
			}()

			if err := srv.Start(":" + c.cfg.SandboxPort); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func printHandle(h agentjobs.Handle) {
	fmt.Printf("[%s] %s/%s %s event=%d", h.UpdatedAt.Format("15:04:05"), h.EntityType, h.EntityID, h.JobKind, h.EventID)
	fmt.Printf("  status=%s", h.Status)
	if h.LastError != "" {
		fmt.Printf("  error=%q", h.LastError)
	}
	fmt.Println()
}
