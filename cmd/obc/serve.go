package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"obcatalog/internal/app"
	"obcatalog/internal/domain"
	"obcatalog/internal/repo"
	"obcatalog/internal/server"
)

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage API keys"}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				keys, err := c.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				if err := c.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	})
	return k
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is only printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := "obc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{ID: uuid.NewString(), Name: name, KeyHash: repo.HashAPIKey(secret)}
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				if err := c.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "name": name, "key": secret})
				}
				fmt.Printf("%s\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name, used as the request subject")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject required")
			}
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				secret := jwtSecret(c)
				if secret == "" {
					return fmt.Errorf("OBCATALOG_JWT_SECRET or server.jwt_secret is required to sign tokens")
				}
				tok, err := server.SignToken(secret, subject, ttl)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func jwtSecret(c *app.Catalog) string {
	if s := viper.GetString("jwt_secret"); s != "" {
		return s
	}
	return c.Config.Server.JWTSecret
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withCatalog(ctx, func(ctx context.Context, c *app.Catalog) error {
				if addr == "" {
					addr = c.Config.Server.Listen
				}
				if addr == "" {
					addr = "127.0.0.1:8080"
				}
				if basePath == "" {
					basePath = c.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: jwtSecret(c), Log: c.Log}
				if authCfg.JWTSecret == "" {
					c.Log.Warn("no jwt secret configured; only API keys are accepted")
				}
				handler, err := server.New(server.Config{Repo: c.Repo, BasePath: basePath, Auth: authCfg, Log: c.Log})
				if err != nil {
					return err
				}
				go server.NewWebhookDispatcher(c.Repo, c.Config.Webhooks, c.Log).Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						c.Log.Warn("shutdown", zap.Error(err))
					}
				}()
				fmt.Printf("Serving obcatalog API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.listen)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path or /v0)")
	return cmd
}
