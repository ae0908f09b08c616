package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"matchwire/pkg/db"
	"matchwire/services/delivery"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "deliveryctl",
		Short:         "Admin utility for the matchwire delivery service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSeedCommand())
	cmd.AddCommand(newPurgeCommand())
	return cmd
}

func resolveDSN(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		return dsn, nil
	}
	return "", errors.New("database DSN required: pass --dsn or set DB_DSN")
}

func newMigrateCommand() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			resolved, err := resolveDSN(dsn)
			if err != nil {
				return err
			}

			pool, err := db.Open(ctx, resolved)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to DB_DSN)")
	return cmd
}

type seedFile struct {
	Conversations []struct {
		UserA    string         `yaml:"user_a"`
		UserB    string         `yaml:"user_b"`
		Meta     map[string]any `yaml:"meta"`
		Messages []struct {
			Sender  string `yaml:"sender"`
			Content string `yaml:"content"`
		} `yaml:"messages"`
	} `yaml:"conversations"`
}

func newSeedCommand() *cobra.Command {
	var (
		dsn  string
		file string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load conversations and messages from a YAML fixture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			resolved, err := resolveDSN(dsn)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var fixtures seedFile
			if err := yaml.Unmarshal(data, &fixtures); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			pool, err := db.Open(ctx, resolved)
			if err != nil {
				return err
			}
			defer pool.Close()

			orm, err := gorm.Open(gormpostgres.Open(resolved), &gorm.Config{
				Logger: gormlogger.Default.LogMode(gormlogger.Silent),
			})
			if err != nil {
				return err
			}

			store, err := delivery.NewPostgresStore(pool)
			if err != nil {
				return err
			}
			engine, err := delivery.NewEngine(store, log.Logger)
			if err != nil {
				return err
			}

			return seed(ctx, orm, engine, fixtures)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to DB_DSN)")
	cmd.Flags().StringVar(&file, "file", "", "YAML fixture file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func seed(ctx context.Context, orm *gorm.DB, engine *delivery.Engine, fixtures seedFile) error {
	seeded := 0
	for _, fixture := range fixtures.Conversations {
		userA, userB := fixture.UserA, fixture.UserB
		if userA == "" || userB == "" || userA == userB {
			return fmt.Errorf("conversation needs two distinct users, got %q and %q", userA, userB)
		}
		if userB < userA {
			userA, userB = userB, userA
		}

		conv, err := upsertConversation(ctx, orm, userA, userB, fixture.Meta)
		if err != nil {
			return err
		}

		for _, msg := range fixture.Messages {
			receiver := userA
			if msg.Sender == userA {
				receiver = userB
			}
			if _, err := engine.Create(ctx, conv, msg.Sender, receiver, msg.Content); err != nil {
				return err
			}
			seeded++
		}
	}

	log.Info().Int("messages", seeded).Msg("fixtures loaded")
	return nil
}

type conversationRow struct {
	ID    uuid.UUID         `gorm:"type:uuid;primaryKey"`
	UserA string            `gorm:"type:text;not null"`
	UserB string            `gorm:"type:text;not null"`
	Meta  datatypes.JSONMap `gorm:"type:jsonb"`
}

func (conversationRow) TableName() string { return "conversations" }

func upsertConversation(ctx context.Context, orm *gorm.DB, userA, userB string, meta map[string]any) (uuid.UUID, error) {
	metaMap := datatypes.JSONMap{}
	for k, v := range meta {
		metaMap[k] = v
	}

	row := conversationRow{ID: uuid.New(), UserA: userA, UserB: userB, Meta: metaMap}
	err := orm.WithContext(ctx).
		Where("user_a = ? AND user_b = ?", userA, userB).
		FirstOrCreate(&row).Error
	if err != nil {
		return uuid.Nil, err
	}
	return row.ID, nil
}

func newPurgeCommand() *cobra.Command {
	var (
		dsn       string
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Hard-delete messages soft-deleted longer ago than the cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			resolved, err := resolveDSN(dsn)
			if err != nil {
				return err
			}

			pool, err := db.Open(ctx, resolved)
			if err != nil {
				return err
			}
			defer pool.Close()

			cutoff := time.Now().UTC().Add(-olderThan)
			tag, err := db.Exec(ctx, pool, `
DELETE FROM messages
WHERE deleted_at IS NOT NULL AND deleted_at < $1
`, cutoff)
			if err != nil {
				return err
			}

			log.Info().Int64("purged", tag.RowsAffected()).Time("cutoff", cutoff).Msg("purge complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to DB_DSN)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Tombstone age before hard deletion")
	return cmd
}
