package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/agentflow/internal/platform/envutil"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

// PoolConfig sizes one connection pool. The server runs three pools so SSE
// polling and background reconcilers cannot starve API requests.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func APIPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    envutil.Int("DB_API_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    envutil.Int("DB_API_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: envutil.Duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: envutil.Duration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
	}
}

func StreamPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    envutil.Int("DB_STREAM_MAX_OPEN_CONNS", 15),
		MaxIdleConns:    envutil.Int("DB_STREAM_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envutil.Duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: envutil.Duration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
	}
}

func BackgroundPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    envutil.Int("DB_BACKGROUND_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    envutil.Int("DB_BACKGROUND_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envutil.Duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: envutil.Duration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
	}
}

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPostgresService opens one gorm handle over its own pool. name tags log
// lines so the three pools can be told apart.
func NewPostgresService(logg *logger.Logger, name string, pool PoolConfig) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService", "pool", name)

	dsn := envutil.Str("DATABASE_URL", "")
	if dsn == "" {
		host := envutil.Str("POSTGRES_HOST", "localhost")
		port := envutil.Str("POSTGRES_PORT", "5432")
		user := envutil.Str("POSTGRES_USER", "postgres")
		password := envutil.Str("POSTGRES_PASSWORD", "")
		dbname := envutil.Str("POSTGRES_NAME", "agentflow")
		sslmode := envutil.Str("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=%s",
			user, password, host, port, dbname, sslmode,
		)
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
