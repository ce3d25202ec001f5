package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/mail"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pipeline"
	"github.com/nhle/mailsync/internal/spam"
	"github.com/nhle/mailsync/internal/store"
	progressui "github.com/nhle/mailsync/internal/ui/progress"
	"github.com/nhle/mailsync/internal/worker"
)

var (
	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "mailsync",
	})
	configPath string
)

var rootCmd = &cobra.Command{
	Use:          "mailsync",
	Short:        "Fetch, deduplicate and store mail from an IMAP mailbox",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			configPath = os.Getenv("MAILSYNC_CONFIG")
		}
		if configPath == "" {
			configPath = model.DefaultConfigPath()
		}
	},
	RunE: runSync,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file to edit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if err := model.SaveConfig(configPath, cfg); err != nil {
			return err
		}
		logger.Info("wrote default config, set mail.host and mail.username",
			"path", configPath)
		return nil
	},
}

var setPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Store the mailbox password in the OS keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.Mail.Username == "" {
			return fmt.Errorf("mail.username must be set in %s first", configPath)
		}

		password, err := readPassword(cfg.Mail.Username)
		if err != nil {
			return err
		}
		if err := credential.SetMailPassword(cfg.Mail.Username, password); err != nil {
			return err
		}
		logger.Info("stored mailbox password", "username", cfg.Mail.Username)
		return nil
	},
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.Mail.Host == "" || cfg.Mail.Username == "" {
		return fmt.Errorf(
			"mail.host and mail.username must be configured in %s, run 'mailsync init' first",
			configPath,
		)
	}

	password := cfg.Mail.Password
	if password == "" {
		password, err = credential.MailPassword(cfg.Mail.Username)
		if err != nil {
			return fmt.Errorf(
				"no mailbox password in config or keyring for %s, run 'mailsync set-password': %w",
				cfg.Mail.Username, err,
			)
		}
	}

	since, err := cfg.Mail.SinceTime()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	cacheStore, err := cache.NewRedisStore(
		ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB,
	)
	if err != nil {
		return fmt.Errorf("connecting to cache at %s: %w", cfg.Cache.Addr, err)
	}
	defer cacheStore.Close()

	mailStore, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening mail store at %s: %w", cfg.Store.Path, err)
	}
	defer mailStore.Close()

	client := mail.NewClient(
		cfg.Mail.Host, cfg.Mail.Port,
		cfg.Mail.Username, password,
		cfg.Mail.TLS,
	)

	pl := pipeline.New(client, cacheStore, logger, pipeline.Config{
		Folders:      cfg.Mail.Folders,
		Since:        since,
		Workers:      cfg.Pipeline.Workers,
		Retry:        pipeline.RetryPolicy{Attempts: cfg.Pipeline.RetryAttempts, Delay: secs(cfg.Pipeline.RetryDelaySec)},
		FetchTimeout: secs(cfg.Pipeline.FetchTimeoutSec),
	})

	var scorer spam.Scorer
	if cfg.Spam.Enabled {
		scorer = spam.NewSpamdScorer(cfg.Spam.Addr)
	}
	filter := spam.NewFilter(scorer, cacheStore, cfg.Spam.Threshold, logger)

	w := worker.New(pl, filter, mailStore, logger)

	if stdoutIsTerminal() {
		return runWithProgress(ctx, w, pl, logger)
	}

	_, err = w.Run(ctx)
	return err
}

// runWithProgress runs the pass behind a terminal progress bar fed by
// the pipeline's progress hook.
func runWithProgress(
	ctx context.Context,
	w *worker.Worker,
	pl *pipeline.Pipeline,
	logger *log.Logger,
) error {
	prog := tea.NewProgram(progressui.New())

	pl.SetProgress(func(done, total int) {
		prog.Send(progressui.UpdateMsg{Done: done, Total: total})
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Run(ctx)
		prog.Send(progressui.DoneMsg{})
		errCh <- err
	}()

	if _, err := prog.Run(); err != nil {
		logger.Error("progress display", "err", err)
	}

	return <-errCh
}

// readPassword prompts on stderr and reads the password without echo
// when stdin is a terminal. Piped input reads a single line instead.
func readPassword(username string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)

	var password string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		password = string(b)
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	return password, nil
}

func stdoutIsTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (default: $MAILSYNC_CONFIG or ~/.config/mailsync/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(setPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
