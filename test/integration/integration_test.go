//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nholik/hostkeeper/internal/compose"
	"github.com/nholik/hostkeeper/internal/container"
	"github.com/nholik/hostkeeper/internal/health"
	"github.com/nholik/hostkeeper/internal/logging"
)

const bundle = `
services:
  web:
    image: nginx:1.27-alpine
  worker:
    image: busybox:1.36
    deploy:
      replicas: 2
`

// TestIntegrationBundleAndEngine verifies bundle loading against a real Docker Engine.
//
// Prerequisites:
//   - Docker daemon reachable through DOCKER_HOST or TEST_DOCKER_HOST
//
// Run with: go test -tags=integration -v ./test/integration/...
func TestIntegrationBundleAndEngine(t *testing.T) {
	dockerHost := getEnv("TEST_DOCKER_HOST", "")
	if dockerHost != "" && filepath.IsAbs(dockerHost) {
		dockerHost = "unix://" + dockerHost
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := container.NewDockerClient(dockerHost, 10*time.Second)
	if err != nil {
		t.Fatalf("create docker client: %v", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Skipf("docker engine not reachable: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "compose.yaml"), []byte(bundle), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}

	var def compose.Definition
	t.Run("LoadBundle", func(t *testing.T) {
		def, err = compose.LoadBundle(context.Background(), dir, "hk-integration", nil)
		if err != nil {
			t.Fatalf("load bundle: %v", err)
		}
		if len(def.Services) != 2 {
			t.Fatalf("expected two services, got %d", len(def.Services))
		}
		t.Logf("Loaded services %v", def.Names())
	})

	t.Run("ProjectContainers", func(t *testing.T) {
		containers, err := client.ProjectContainers(ctx, "hk-integration-"+time.Now().Format("150405"))
		if err != nil {
			t.Fatalf("list containers: %v", err)
		}
		if len(containers) != 0 {
			t.Fatalf("expected no containers for an unused project, got %d", len(containers))
		}

		report := health.Evaluate(def, containers)
		if report.Count(health.StatusUnknown) != len(def.Services) {
			t.Fatalf("expected every service unknown, got %+v", report.Services)
		}
		logger := logging.New()
		logger.Info().Strs("warnings", report.Warnings).Msg("evaluated empty project")
	})
}

// TestIntegrationRemoteDockerHost verifies an HTTP engine endpoint, e.g. a socket proxy.
func TestIntegrationRemoteDockerHost(t *testing.T) {
	proxyURL := getEnv("TEST_DOCKER_PROXY_URL", "http://localhost:2375")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkEndpoint(ctx, proxyURL+"/_ping"); err != nil {
		t.Skipf("docker proxy not reachable: %v", err)
	}

	client, err := container.NewDockerClient("tcp://"+trimScheme(proxyURL), 10*time.Second)
	if err != nil {
		t.Fatalf("create docker client: %v", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("docker ping: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func trimScheme(url string) string {
	for _, prefix := range []string{"http://", "https://", "tcp://"} {
		url = strings.TrimPrefix(url, prefix)
	}
	return url
}

func checkEndpoint(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}
