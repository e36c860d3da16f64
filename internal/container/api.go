package container

import (
	"context"

	dockertypes "github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// dockerAPI defines the subset of Docker client operations used by DockerClient.
// Tests inject a mock implementation instead of a real daemon.
type dockerAPI interface {
	Ping(ctx context.Context) (dockertypes.Ping, error)
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]dockertypes.Container, error)
	ImagesPrune(ctx context.Context, pruneFilters filters.Args) (imagetypes.PruneReport, error)
	Close() error
}

var _ dockerAPI = (*client.Client)(nil)
