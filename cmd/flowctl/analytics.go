package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"contact-center/internal/auth"
	"contact-center/internal/config"
	"contact-center/internal/ivr"
	"contact-center/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	analyticsFrom string
	analyticsTo   string
	analyticsDSN  string

	tokenUser  string
	tokenRole  string
	tokenTeams []string
	tokenTTL   time.Duration
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Report IVR analytics from finalized sessions",
	Long:  `Replay finalized IVR sessions stored in Postgres and print the aggregate as JSON.`,
	RunE:  runAnalytics,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API access token",
	Long:  `Issue a signed access token using JWT_SECRET, JWT_ISSUER and JWT_AUDIENCE from the environment.`,
	RunE:  runToken,
}

func init() {
	analyticsCmd.Flags().StringVar(&analyticsFrom, "from", "", "Start of range, RFC3339 (required)")
	analyticsCmd.Flags().StringVar(&analyticsTo, "to", "", "End of range, RFC3339 (default now)")
	analyticsCmd.Flags().StringVar(&analyticsDSN, "dsn", os.Getenv("DATABASE_URL"), "Postgres DSN (default from DB_* settings)")
	analyticsCmd.MarkFlagRequired("from")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id (required)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Role: supervisor, admin or service (required)")
	tokenCmd.Flags().StringSliceVar(&tokenTeams, "team", nil, "Team the token is scoped to (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 15*time.Minute, "Access token lifetime")
	tokenCmd.MarkFlagRequired("user")
	tokenCmd.MarkFlagRequired("role")

	rootCmd.AddCommand(analyticsCmd, tokenCmd)
}

func parseRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	f, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
	}
	t := now
	if to != "" {
		if t, err = time.Parse(time.RFC3339, to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
	}
	if !t.After(f) {
		return time.Time{}, time.Time{}, errors.New("--to must be after --from")
	}
	return f, t, nil
}

func runAnalytics(cmd *cobra.Command, args []string) error {
	from, to, err := parseRange(analyticsFrom, analyticsTo, time.Now().UTC())
	if err != nil {
		return err
	}

	dsn := analyticsDSN
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dsn = cfg.PostgresDSN()
	}

	ctx := cmd.Context()
	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{MaxOpenConns: 2})
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := ivr.NewPostgresSessionRepo(db).List(ctx, from, to)
	if err != nil {
		return err
	}
	a := ivr.Analyze(sessions)
	a.From, a.To = from, to

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

func runToken(cmd *cobra.Command, args []string) error {
	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTIssuer:       os.Getenv("JWT_ISSUER"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		AccessTokenTTL:  tokenTTL,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	pair, err := m.IssuePair(time.Now(), auth.Identity{UserID: tokenUser, Role: tokenRole, Teams: tokenTeams})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), pair.AccessToken)
	return nil
}
