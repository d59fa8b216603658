package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/spf13/cobra"
	"github.com/zulandar/casewire/internal/caseactor"
	"github.com/zulandar/casewire/internal/config"
	"github.com/zulandar/casewire/internal/history"
	"github.com/zulandar/casewire/internal/ingress/email"
	"github.com/zulandar/casewire/internal/mailer"
	"github.com/zulandar/casewire/internal/responder"
	"github.com/zulandar/casewire/internal/server"
	"github.com/zulandar/casewire/internal/telegraph"
	discordadapter "github.com/zulandar/casewire/internal/telegraph/discord"
	slackadapter "github.com/zulandar/casewire/internal/telegraph/slack"
)

const closeTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the case server",
		Long:  "Serves realtime case sessions and the email webhook over HTTP, optionally accepts SMTP, and sweeps idle cases.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to casewire config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides http.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.HTTP.Port = port
	}
	fmt.Fprintf(out, "Using %s\n", describeDatabase(cfg.Database))

	store, err := history.NewStore(gormDB)
	if err != nil {
		return err
	}
	reply, err := responder.New(cfg.Responder)
	if err != nil {
		return err
	}
	sender, err := mailer.NewMailgun(mailer.MailgunOpts{
		Config:  cfg.Mailgun,
		Domain:  cfg.Domain,
		ChatURL: cfg.ChatURL,
	})
	if err != nil {
		return err
	}
	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	opts := caseactor.RegistryOpts{
		Store:       store,
		Responder:   reply,
		Mailer:      sender,
		Instruction: responder.Instruction(cfg.Product, cfg.Responder.SystemPrompt),
		TurnTimeout: time.Duration(cfg.Registry.TurnTimeoutSec) * time.Second,
	}
	if notifier != nil {
		opts.Notifier = notifier
	}
	registry, err := caseactor.NewRegistry(opts)
	if err != nil {
		return err
	}
	sweeper, err := caseactor.NewSweeper(registry, cfg.Registry.SweepSchedule,
		time.Duration(cfg.Registry.IdleTimeoutSec)*time.Second)
	if err != nil {
		return err
	}

	inbound, err := email.NewIngress(email.IngressOpts{
		Router:   caseactor.NewRouter(cfg.SupportMailbox),
		Cases:    registry,
		Dedupe:   store,
		Limiter:  email.NewSenderLimiter(cfg.Limits.EmailsPerHour, cfg.Limits.EmailBurst),
		MaxBytes: cfg.Limits.MaxEmailBytes,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	var wg sync.WaitGroup
	if notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			notifier.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if cfg.SMTP.Enabled {
		srv := email.NewServer(inbound, email.ServerOpts{Addr: cfg.SMTP.Addr, Hostname: cfg.SMTP.Hostname})
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSMTP(ctx, out, srv)
		}()
	}

	err = server.Start(ctx, server.StartOpts{
		Cases:          registry,
		Store:          store,
		Inbound:        inbound,
		Port:           cfg.HTTP.Port,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Out:            out,
	})
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	if cerr := registry.Close(closeCtx); cerr != nil {
		log.Printf("serve: %v", cerr)
	}
	wg.Wait()
	return err
}

// runSMTP serves until ctx is done. Listener errors are logged; HTTP keeps
// running without SMTP.
func runSMTP(ctx context.Context, out io.Writer, srv *smtp.Server) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(out, "SMTP listening on %s\n", srv.Addr)

	select {
	case <-ctx.Done():
		srv.Close()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			log.Printf("serve: smtp: %v", err)
		}
	}
}

// buildNotifier returns nil when no chat platform is configured.
func buildNotifier(cfg *config.Config) (*telegraph.Notifier, error) {
	if cfg.Telegraph.Platform == "" {
		return nil, nil
	}
	adapter, err := createAdapter(cfg)
	if err != nil {
		return nil, err
	}
	return telegraph.NewNotifier(telegraph.NotifierOpts{
		Adapter:   adapter,
		ChannelID: cfg.Telegraph.Channel,
		ChatURL:   cfg.ChatURL,
	})
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (telegraph.Adapter, error) {
	switch cfg.Telegraph.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			BotToken:  cfg.Telegraph.SlackBotToken,
			ChannelID: cfg.Telegraph.Channel,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Telegraph.DiscordBotToken,
			ChannelID: cfg.Telegraph.Channel,
		})
	default:
		return nil, fmt.Errorf("telegraph: unsupported platform %q", cfg.Telegraph.Platform)
	}
}
