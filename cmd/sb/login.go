package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/command"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/registry"
	"github.com/zulandar/switchboard/internal/session"
	"golang.org/x/term"

	"github.com/redis/go-redis/v9"
)

// loginPollInterval is how often the CLI checks the session state while
// waiting for the worker to advance the flow.
const (
	loginPollInterval = 2 * time.Second
	loginTimeout      = 5 * time.Minute
)

func newLoginCmd() *cobra.Command {
	var phone string
	var botUserID int64

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Run a web-source login flow from the terminal",
		Long: "Starts a login for a controlled account and walks the phone → code → " +
			"password flow interactively. The worker for the account must be running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if phone == "" {
				return fmt.Errorf("login: --phone is required")
			}
			if botUserID == 0 {
				return fmt.Errorf("login: --bot-user is required")
			}
			return runLogin(cmd, cfg, botUserID, phone)
		},
	}

	cmd.Flags().StringVar(&phone, "phone", "", "phone number of the account")
	cmd.Flags().Int64Var(&botUserID, "bot-user", 0, "bot account user ID")
	return cmd
}

func runLogin(cmd *cobra.Command, cfg *config.Config, botUserID int64, phone string) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
	defer cancel()

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	sessions, err := session.NewStore(gormDB)
	if err != nil {
		return err
	}
	reg, err := registry.NewRegistry(registry.RegistryOpts{DB: gormDB})
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Queue.Backend != config.QueueBackendMemory {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}
	commands, err := queue.New(cfg.Queue, rdb, "commands")
	if err != nil {
		return err
	}
	dispatcher, err := command.NewDispatcher(command.DispatcherOpts{
		Resolver: reg,
		Commands: commands,
		Out:      out,
	})
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	if err := sessions.Create(&models.LoginSession{
		RequestID:   requestID,
		BotUserID:   botUserID,
		PhoneNumber: phone,
		Source:      models.SourceWeb,
		State:       models.StateWaitingPhone,
	}); err != nil {
		return err
	}

	if _, err := dispatcher.Dispatch(ctx, command.TypeLogin, command.Payload{
		RequestID:   requestID,
		BotUserID:   botUserID,
		PhoneNumber: phone,
		Context:     &command.Context{UserID: botUserID},
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "Login started [req=%s]. Waiting for the code request...\n", requestID)

	for {
		sess, err := waitForStateChange(ctx, sessions, requestID, models.StateWaitingPhone)
		if err != nil {
			return err
		}

		switch sess.State {
		case models.StateWaitingCode:
			code, err := promptLine(out, "Login code: ")
			if err != nil {
				return err
			}
			if _, err := dispatcher.Dispatch(ctx, command.TypeSubmitCode, command.Payload{
				RequestID: requestID,
				BotUserID: botUserID,
				Code:      code,
				Context:   &command.Context{UserID: botUserID},
			}); err != nil {
				return err
			}
			if sess, err = waitForStateChange(ctx, sessions, requestID, models.StateWaitingCode); err != nil {
				return err
			}
			if sess.State == models.StateWaitingPassword {
				continue
			}

		case models.StateWaitingPassword:
			fmt.Fprint(out, "Two-factor password: ")
			pw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("login: read password: %w", err)
			}
			if _, err := dispatcher.Dispatch(ctx, command.TypeSubmitPassword, command.Payload{
				RequestID: requestID,
				BotUserID: botUserID,
				Password:  string(pw),
				Context:   &command.Context{UserID: botUserID},
			}); err != nil {
				return err
			}
			if sess, err = waitForStateChange(ctx, sessions, requestID, models.StateWaitingPassword); err != nil {
				return err
			}
		}

		switch sess.State {
		case models.StateCompleted:
			fmt.Fprintf(out, "Logged in. Account %d is now controlled.\n", sess.BotUserID)
			return nil
		case models.StateFailed:
			return fmt.Errorf("login: flow failed; check `sb status` and worker logs")
		}
	}
}

// waitForStateChange polls the session until its state differs from the
// given one, it reaches a terminal state, or the context expires.
func waitForStateChange(ctx context.Context, sessions *session.Store, requestID string, current models.SessionState) (*models.LoginSession, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("login: timed out waiting for the worker")
		case <-time.After(loginPollInterval):
		}

		sess, err := sessions.Get(requestID)
		if errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("login: session %s disappeared", requestID)
		}
		if err != nil {
			return nil, err
		}
		if sess.State != current || sess.State.Terminal() {
			return sess, nil
		}
	}
}

// promptLine reads one trimmed line from stdin.
func promptLine(out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("login: read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
