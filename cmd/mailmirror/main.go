package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/pepperpark/mailmirror/internal/archive"
	"github.com/pepperpark/mailmirror/internal/config"
	"github.com/pepperpark/mailmirror/internal/folders"
	"github.com/pepperpark/mailmirror/internal/imaputil"
	"github.com/pepperpark/mailmirror/internal/logging"
	"github.com/pepperpark/mailmirror/internal/relay"
	"github.com/pepperpark/mailmirror/internal/state"
	"github.com/pepperpark/mailmirror/internal/syncer"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	os.Exit(exitCode(newRootCmd().Execute()))
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mailmirror",
		Short: "Incremental IMAP backup into mbox files",
		Long: "mailmirror downloads every message not yet archived from an IMAP account\n" +
			"into one mbox file per folder. With --resend-to it relays new messages\n" +
			"over SMTP instead.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runMirror,
	}

	var showVersion bool
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	config.AddFlags(rootCmd.Flags())
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", config.ErrUsage, err)
	})
	rootCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("mailmirror %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
		return nil
	}
	return rootCmd
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "mailmirror:", err)
	var connErr *imaputil.ConnError
	switch {
	case errors.Is(err, config.ErrUsage):
		fmt.Fprintln(os.Stderr, "Try 'mailmirror --help' for more information.")
		return 2
	case errors.As(err, &connErr):
		return imaputil.ExitCode(err)
	}
	return 1
}

func runMirror(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(cmd.Flags(), cfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	if err := config.ResolvePassword(cfg, promptPassword); err != nil {
		return err
	}

	tui := !cfg.NoSpinner && term.IsTerminal(int(os.Stdout.Fd()))
	logOpts := logging.Options{Verbose: cfg.Verbose}
	if tui {
		// Logs would tear the progress display.
		if err := os.MkdirAll(cfg.BaseDir, 0o700); err != nil {
			return err
		}
		logOpts.OutputPaths = []string{filepath.Join(cfg.BaseDir, "mailmirror.log")}
	}
	log, err := logging.New(logOpts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	st := &state.State{}
	if cfg.StateFile != "" {
		if st, err = state.Load(cfg.StateFile); err != nil {
			return fmt.Errorf("load state: %w", err)
		}
	}

	log.Infow("connecting", "server", cfg.Host, "port", cfg.Port, "user", cfg.User, "ssl", cfg.SSL, "starttls", cfg.StartTLS)
	sess, err := imaputil.DialAndLogin(ctx, imaputil.Options{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Pass:     cfg.Pass,
		SSL:      cfg.SSL,
		StartTLS: cfg.StartTLS,
		Insecure: cfg.Insecure,
		KeyFile:  cfg.KeyFile,
		CertFile: cfg.CertFile,
		Timeout:  cfg.Timeout,
		PeekAll:  cfg.ICloud,
	})
	if err != nil {
		return err
	}
	defer sess.Logout()

	plan, err := buildPlan(ctx, cfg, sess, log)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		fmt.Println("No folders to process.")
		return nil
	}

	opts := syncer.Options{
		BaseDir:    cfg.BaseDir,
		Overwrite:  cfg.Overwrite,
		UnseenOnly: cfg.UnseenOnly,
	}
	if cfg.Thunderbird {
		opts.Quoting = archive.QuoteThunderbird
	}
	if cfg.ResendTo != "" {
		opts.RelayTo = cfg.ResendTo
		opts.Transport = &relay.SMTPTransport{Addr: cfg.Relay, Timeout: cfg.Timeout, Log: log}
	}
	worker := syncer.NewMailboxSyncer(sess, st, opts, log)

	var errs []error
	var fatal error
	if tui {
		errs, fatal = runTUI(ctx, worker, plan)
	} else {
		errs, fatal = runPlain(ctx, worker, plan)
	}
	if len(errs) > 0 {
		fmt.Println("Finished with skipped folders:")
		for _, e := range errs {
			fmt.Println(" -", e)
		}
	}
	if cfg.StateFile != "" {
		if err := st.Save(cfg.StateFile); err != nil {
			log.Warnw("save state", "path", cfg.StateFile, "error", err)
		}
	}
	return fatal
}

// buildPlan lists the server's folders, applies the folder filters and
// creates the directories the archives will live in.
func buildPlan(ctx context.Context, cfg *config.Config, sess *imaputil.Session, log *zap.SugaredLogger) ([]folders.Descriptor, error) {
	rows, err := sess.ListRows(ctx)
	if err != nil {
		return nil, err
	}
	plan := folders.Plan(rows, cfg.Mode(), log)
	filter, err := folders.NewFilter(cfg.Folders, cfg.ExcludeFolders, cfg.Mode())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrUsage, err)
	}
	plan = filter.Apply(plan)
	if cfg.ResendTo == "" {
		if err := folders.Prepare(cfg.BaseDir, plan); err != nil {
			return nil, err
		}
	}
	log.Infow("folders planned", "listed", len(rows), "selected", len(plan))
	return plan, nil
}

// runPlain runs without the progress display, printing one line per folder.
func runPlain(ctx context.Context, worker *syncer.MailboxSyncer, plan []folders.Descriptor) ([]error, error) {
	type result struct {
		errs  []error
		fatal error
	}
	done := make(chan result, 1)
	go func() {
		errs, fatal := worker.SyncAll(ctx, plan)
		done <- result{errs, fatal}
	}()
	for ev := range worker.Events() {
		switch ev.Type {
		case syncer.EventMailboxDone:
			fmt.Printf("%s: %d/%d new messages\n", ev.Mailbox, ev.Done, ev.Total)
		case syncer.EventMailboxSkipped:
			fmt.Printf("%s: skipped (%v)\n", ev.Mailbox, ev.Err)
		}
	}
	r := <-done
	return r.errs, r.fatal
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
