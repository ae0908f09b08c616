package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Conversation struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	UserA     string            `gorm:"type:text;not null;uniqueIndex:idx_conversations_pair,priority:1"`
	UserB     string            `gorm:"type:text;not null;uniqueIndex:idx_conversations_pair,priority:2"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Message struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID    `gorm:"type:uuid;not null;index:idx_messages_conv_created,priority:1;index:idx_messages_unread,priority:1"`
	SenderID       string       `gorm:"type:text;not null"`
	ReceiverID     string       `gorm:"type:text;not null;index:idx_messages_unread,priority:2"`
	Content        string       `gorm:"type:text;not null"`
	Status         string       `gorm:"type:text;not null;default:'sent';index:idx_messages_unread,priority:3"`
	CreatedAt      time.Time    `gorm:"type:timestamptz;not null;index:idx_messages_conv_created,priority:2,sort:desc"`
	DeliveredAt    *time.Time   `gorm:"type:timestamptz"`
	ReadAt         *time.Time   `gorm:"type:timestamptz"`
	DeletedAt      *time.Time   `gorm:"type:timestamptz;index"`
	Conversation   Conversation `gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Conversation{},
		&Message{},
	); err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().CreateConstraint(&Message{}, "Conversation")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Message{},
		&Conversation{},
	)
}
