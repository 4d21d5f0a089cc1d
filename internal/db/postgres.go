package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
	"github.com/verbata/codeframe-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "codeframe", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	log.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		log.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.SurveyResponse{},
		&types.Generation{},
		&types.HierarchyNode{},
		&types.BrandCandidate{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	s.log.Info("Auto migration complete")
	return nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }
