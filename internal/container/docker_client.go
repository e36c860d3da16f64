package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const (
	defaultAPITimeout = 30 * time.Second

	// Labels the compose CLI attaches to every container it creates.
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
)

// DockerClient talks to the Docker Engine API for state queries and image housekeeping.
type DockerClient struct {
	api     dockerAPI
	timeout time.Duration
}

// NewDockerClient initializes a Docker client for the given API host.
// An empty host uses the environment defaults (DOCKER_HOST or the local socket).
func NewDockerClient(host string, timeout time.Duration) (*DockerClient, error) {
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	httpClient := &http.Client{Timeout: timeout}

	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(httpClient),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}

	return &DockerClient{
		api:     api,
		timeout: timeout,
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *DockerClient) Ping(ctx context.Context) error {
	if c == nil || c.api == nil {
		return errors.New("docker client is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.api.Ping(ctx)
	return err
}

// ProjectContainers lists all containers labelled with the compose project, sorted by name.
func (c *DockerClient) ProjectContainers(ctx context.Context, project string) ([]ContainerState, error) {
	if c == nil || c.api == nil {
		return nil, errors.New("docker client is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	list, err := c.api.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject+"="+project)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	states := make([]ContainerState, 0, len(list))
	for _, ctr := range list {
		states = append(states, ContainerState{
			ID:      shortID(ctr.ID),
			Name:    containerName(ctr.Names),
			Service: ctr.Labels[LabelService],
			Image:   NormalizeImage(ctr.Image),
			State:   ctr.State,
			Status:  ctr.Status,
		})
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Name < states[j].Name
	})
	return states, nil
}

// PruneImages removes every image not referenced by a container.
func (c *DockerClient) PruneImages(ctx context.Context) (PruneReport, error) {
	if c == nil || c.api == nil {
		return PruneReport{}, errors.New("docker client is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	report, err := c.api.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "false")))
	if err != nil {
		return PruneReport{}, fmt.Errorf("prune images: %w", err)
	}
	return PruneReport{
		ImagesDeleted:  len(report.ImagesDeleted),
		SpaceReclaimed: report.SpaceReclaimed,
	}, nil
}

// Close releases the underlying HTTP resources.
func (c *DockerClient) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
