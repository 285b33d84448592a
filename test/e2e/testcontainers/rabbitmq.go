package testcontainers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	rabbitMQImage = "rabbitmq:3.13-management-alpine"
	amqpPort      = "5672/tcp"
)

// RabbitMQConfig holds configuration for the broker the gateway consumes from.
type RabbitMQConfig struct {
	// User is the broker username (default: ecoatlas)
	User string
	// Password is the broker password (default: ecoatlas)
	Password string
	// VHost is created on boot and used in the returned URL (default: ecoatlas)
	VHost string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartRabbitMQ starts a RabbitMQ broker and returns the container and an AMQP URL
// scoped to the configured vhost.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &RabbitMQConfig{}
	}
	if config.User == "" {
		config.User = "ecoatlas"
	}
	if config.Password == "" {
		config.Password = "ecoatlas"
	}
	if config.VHost == "" {
		config.VHost = "ecoatlas"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        rabbitMQImage,
			ExposedPorts: []string{amqpPort},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(amqpPort),
				wait.ForLog("Server startup complete"),
			),
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER":  config.User,
				"RABBITMQ_DEFAULT_PASS":  config.Password,
				"RABBITMQ_DEFAULT_VHOST": config.VHost,
			},
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	endpoint, err := container.PortEndpoint(ctx, amqpPort, "")
	if err != nil {
		return nil, "", terminateAfter(ctx, container, "resolve AMQP endpoint", err)
	}

	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(config.User, config.Password),
		Host:   endpoint,
		Path:   "/" + config.VHost,
	}
	return container, u.String(), nil
}
