// Package testcontainers starts the PostgreSQL, RabbitMQ, NATS and Redis containers used by the e2e suites.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresPort  = "5432/tcp"
)

// PostgresConfig holds configuration for the readings database container.
type PostgresConfig struct {
	// User is the database owner (default: ecoatlas)
	User string
	// Password is the owner's password (default: ecoatlas)
	Password string
	// Database is the database name (default: ecoatlas)
	Database string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartPostgres starts a PostgreSQL container and returns the container and a
// key/value DSN that store.Config accepts.
func StartPostgres(ctx context.Context, config *PostgresConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &PostgresConfig{}
	}
	if config.User == "" {
		config.User = "ecoatlas"
	}
	if config.Password == "" {
		config.Password = "ecoatlas"
	}
	if config.Database == "" {
		config.Database = "ecoatlas"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{postgresPort},
			// the init run logs readiness once before restarting on the real port
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(postgresPort),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
			Env: map[string]string{
				"POSTGRES_USER":     config.User,
				"POSTGRES_PASSWORD": config.Password,
				"POSTGRES_DB":       config.Database,
				"TZ":                "UTC",
			},
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", terminateAfter(ctx, container, "get container host", err)
	}
	port, err := container.MappedPort(ctx, postgresPort)
	if err != nil {
		return nil, "", terminateAfter(ctx, container, "get container port", err)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		host, port.Port(), config.User, config.Password, config.Database)
	return container, dsn, nil
}

// terminateAfter stops a half-started container and reports why it was abandoned.
func terminateAfter(ctx context.Context, container testcontainers.Container, step string, err error) error {
	if termErr := container.Terminate(ctx); termErr != nil {
		return fmt.Errorf("failed to %s: %w (cleanup error: %w)", step, err, termErr)
	}
	return fmt.Errorf("failed to %s: %w", step, err)
}
