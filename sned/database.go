package sned

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	postgresNotifyChannelPrefixUpdated = "sned_prefix_updated"
	postgresNotifyChannelGuildRemoved  = "sned_guild_removed"
	recordSeparator                    = string(rune(30))
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute

	// foreign_keys must stay ON: user row cleanup on guild removal relies
	// on the FK cascade, not application code.
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// StringList is a string slice stored as a JSON array, so the same model
// works on both SQLite and Postgres. Element order is preserved.
type StringList []string

// Scan implements the sql.Scanner interface.
func (s *StringList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return s.parse(v)
	case string:
		return s.parse([]byte(v))
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal([]string(s))
	return string(data), err
}

func (s *StringList) parse(data []byte) error {
	if len(data) == 0 {
		*s = nil
		return nil
	}
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = values
	return nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (StringList) GormDataType() string {
	return "text"
}

// GuildConfig is the per-tenant configuration row. Exactly one row exists
// per guild the bot is currently a member of; an empty Prefixes value means
// "use the default prefix".
type GuildConfig struct {
	GuildID  string     `gorm:"primaryKey;column:guild_id" json:"guild_id"`
	Prefixes StringList `gorm:"column:prefix" json:"prefix"`
}

func (GuildConfig) TableName() string {
	return "global_config"
}

func (g GuildConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.Any("prefix", []string(g.Prefixes)),
	)
}

// UserRecord is a user's moderation state within one guild. The same user
// has independent records per guild. Rows are created lazily with default
// values and removed only via the guild FK cascade, never individually.
type UserRecord struct {
	UserID  string `gorm:"primaryKey;column:user_id" json:"user_id"`
	GuildID string `gorm:"primaryKey;column:guild_id" json:"guild_id"`

	// Guild establishes the FK to global_config with ON DELETE CASCADE
	Guild GuildConfig `gorm:"foreignKey:GuildID;references:GuildID;constraint:OnDelete:CASCADE" json:"-"`

	// Flags is a set of free-form string tags attached by moderators
	Flags StringList `gorm:"column:flags" json:"flags"`

	// Warns counts warnings issued to the user in this guild
	Warns int `gorm:"column:warns;not null;default:0" json:"warns"`

	IsMuted bool `gorm:"column:is_muted;not null;default:false" json:"is_muted"`

	// Notes is free text, nil when unset
	Notes *string `gorm:"column:notes" json:"notes"`
}

func (UserRecord) TableName() string {
	return "users"
}

func (u UserRecord) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("user_id", u.UserID),
		slog.String("guild_id", u.GuildID),
		slog.Int("warns", u.Warns),
		slog.Bool("is_muted", u.IsMuted),
	}
	if len(u.Flags) > 0 {
		attrs = append(attrs, slog.Any("flags", []string(u.Flags)))
	}
	return slog.GroupValue(attrs...)
}

// NewUserRecord returns a UserRecord with default field values for the
// given composite key.
func NewUserRecord(userID string, guildID string) *UserRecord {
	return &UserRecord{UserID: userID, GuildID: guildID}
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and migrates the guild/user tables.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return db, e
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if e = db.Exec(pragma).Error; e != nil {
				return db, fmt.Errorf("error executing %q: %w", pragma, e)
			}
		}
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&GuildConfig{},
		&UserRecord{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger:         gormLogger,
				TranslateError: true,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger:         gormLogger,
				TranslateError: true,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
