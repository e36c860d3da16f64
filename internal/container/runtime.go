// Package container controls the compose project that runs the deployed bundle.
package container

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
)

// Container state values reported by the engine.
const (
	StateRunning    = "running"
	StateExited     = "exited"
	StateRestarting = "restarting"
	StateCreated    = "created"
	StatePaused     = "paused"
	StateDead       = "dead"
)

// ContainerState is one container of the compose project as seen by the engine.
type ContainerState struct {
	ID      string // Short container ID
	Name    string // Container name without the leading slash
	Service string // Compose service name from the com.docker.compose.service label
	Image   string // Image reference with any digest suffix stripped
	State   string // Engine state, e.g. "running" or "exited"
	Status  string // Human readable status, e.g. "Up 2 minutes"
}

// PruneReport summarizes an image prune.
type PruneReport struct {
	ImagesDeleted  int
	SpaceReclaimed uint64
}

func (r PruneReport) String() string {
	return fmt.Sprintf("%d images deleted, %s reclaimed", r.ImagesDeleted, units.HumanSize(float64(r.SpaceReclaimed)))
}

// Runtime controls the containers of one compose project.
// This interface enables mocking in tests.
type Runtime interface {
	// Ping validates connectivity to the container engine.
	Ping(ctx context.Context) error

	// PullImages fetches the images referenced by the bundle.
	PullImages(ctx context.Context) error

	// Down stops and removes the project's containers.
	Down(ctx context.Context) error

	// Up starts the project's containers from the current bundle definition.
	Up(ctx context.Context) error

	// PS lists the project's containers, including stopped ones.
	PS(ctx context.Context) ([]ContainerState, error)

	// PruneImages removes images no container references.
	PruneImages(ctx context.Context) (PruneReport, error)
}
