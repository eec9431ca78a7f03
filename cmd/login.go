package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/autoforwardx/autoforwardx/internal/config"
	"github.com/autoforwardx/autoforwardx/internal/platform/telegram"
	"github.com/autoforwardx/autoforwardx/internal/store"
	"github.com/autoforwardx/autoforwardx/internal/store/sqldb"
)

// loginCmd authenticates a Telegram account interactively and stores the
// session in the standalone SQLite store. Managed deployments use the
// control-plane OTP endpoints instead.
func loginCmd() *cobra.Command {
	var userID string
	var phone string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate a Telegram account (standalone mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Database.Managed() {
				return fmt.Errorf("login is for standalone mode; use the control-plane OTP endpoints against a managed deployment")
			}
			if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
				return fmt.Errorf("AFX_TG_API_ID and AFX_TG_API_HASH must be set")
			}
			if phone == "" {
				return fmt.Errorf("--phone is required")
			}

			db, err := sqldb.OpenSQLite(cfg.Database.SQLitePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			pool := telegram.NewPool(cfg.Telegram.APIID, cfg.Telegram.APIHash, db)
			codeHash, err := pool.SendOTP(ctx, phone)
			if err != nil {
				return fmt.Errorf("send code: %w", err)
			}
			fmt.Printf("Code sent to %s. Enter it: ", phone)

			reader := bufio.NewReader(os.Stdin)
			code, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read code: %w", err)
			}
			code = strings.TrimSpace(code)

			blob, displayName, err := pool.VerifyOTP(ctx, phone, code, codeHash)
			if err != nil {
				return fmt.Errorf("verify code: %w", err)
			}

			if _, err := db.GetUser(ctx, userID); errors.Is(err, store.ErrNotFound) {
				u := &store.User{ID: userID, Plan: store.PlanFree, CreatedAt: time.Now()}
				if err := db.CreateUser(ctx, u); err != nil {
					return fmt.Errorf("create user: %w", err)
				}
			} else if err != nil {
				return fmt.Errorf("lookup user: %w", err)
			}

			sess := &store.Session{
				ID:          uuid.Must(uuid.NewV7()).String(),
				UserID:      userID,
				Phone:       phone,
				Credentials: blob,
				Active:      true,
				DisplayName: displayName,
				CreatedAt:   time.Now(),
			}
			if err := db.CreateSession(ctx, sess); err != nil {
				return fmt.Errorf("store session: %w", err)
			}
			fmt.Printf("Authenticated %s (%s), session %s\n", displayName, phone, sess.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local", "owning user id")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number in international format")
	return cmd
}
