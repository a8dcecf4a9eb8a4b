package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("secure_store.unsupported_dialect")

	errEmptyStoreKey       = errors.New("secure_store.empty_key")
	errEmptyDatabaseURL    = errors.New("secure_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("secure_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("secure_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("secure_store.unsupported_no_scheme")
)

// DatabaseSecureStore persists secure-store records using GORM.
type DatabaseSecureStore struct {
	db          *gorm.DB
	driverLabel string
	namespace   string
}

// Driver exposes the selected database driver label.
func (store *DatabaseSecureStore) Driver() string {
	return store.driverLabel
}

type secureRecord struct {
	Namespace     string `gorm:"column:namespace;primaryKey"`
	RecordKey     string `gorm:"column:record_key;primaryKey"`
	Value         []byte `gorm:"column:value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (secureRecord) TableName() string {
	return "secure_records"
}

// NewDatabaseSecureStore constructs a GORM-backed store. Records are scoped to namespace so several
// installations can share one database file.
func NewDatabaseSecureStore(ctx context.Context, databaseURL string, namespace string) (*DatabaseSecureStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("secure_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("secure_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&secureRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("secure_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseSecureStore{
		db:          gormDB,
		driverLabel: driverLabel,
		namespace:   namespace,
	}, nil
}

// Get loads the value stored under key.
func (store *DatabaseSecureStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("secure_store.get.%s: %w", store.driverLabel, errEmptyStoreKey)
	}
	var record secureRecord
	err := store.db.WithContext(ctx).Where("namespace = ? AND record_key = ?", store.namespace, key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("secure_store.get.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("secure_store.get.%s: %w", store.driverLabel, err)
	}
	return record.Value, nil
}

// Set upserts the value stored under key in a single statement so readers never observe a partial write.
func (store *DatabaseSecureStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("secure_store.set.%s: %w", store.driverLabel, errEmptyStoreKey)
	}
	record := secureRecord{
		Namespace:     store.namespace,
		RecordKey:     key,
		Value:         value,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("secure_store.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (store *DatabaseSecureStore) Delete(ctx context.Context, key string) error {
	result := store.db.WithContext(ctx).
		Where("namespace = ? AND record_key = ?", store.namespace, key).
		Delete(&secureRecord{})
	if result.Error != nil {
		return fmt.Errorf("secure_store.delete.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// WithNamespace returns a store sharing this connection pool whose records live under namespace.
func (store *DatabaseSecureStore) WithNamespace(namespace string) *DatabaseSecureStore {
	return &DatabaseSecureStore{
		db:          store.db,
		driverLabel: store.driverLabel,
		namespace:   namespace,
	}
}

// Close releases the underlying connection pool.
func (store *DatabaseSecureStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("secure_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("secure_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("secure_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("secure_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("secure_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
