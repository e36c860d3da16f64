// Package compose reads the deployed bundle's compose definition.
package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"github.com/joho/godotenv"
)

const defaultProjectName = "bundle"

// DefaultFiles are probed in order when no compose file is configured.
var DefaultFiles = []string{"compose.yaml", "compose.yml", "docker-compose.yml", "docker-compose.yaml"}

// Definition is the normalized set of services a bundle is expected to run.
type Definition struct {
	Project  string
	Services map[string]Service
}

// Service captures the fields health evaluation needs.
type Service struct {
	Name          string
	Image         string
	ContainerName string
	Replicas      int
}

// Names returns the service names in sorted order.
func (d Definition) Names() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveFiles returns files as absolute paths inside dir, or the first default compose
// file present in dir when files is empty.
func ResolveFiles(dir string, files []string) ([]string, error) {
	if len(files) > 0 {
		resolved := make([]string, 0, len(files))
		for _, file := range files {
			if !filepath.IsAbs(file) {
				file = filepath.Join(dir, file)
			}
			resolved = append(resolved, file)
		}
		return resolved, nil
	}
	for _, name := range DefaultFiles {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return []string{candidate}, nil
		}
	}
	return nil, fmt.Errorf("no compose file found in %s", dir)
}

// LoadBundle loads the compose files of the bundle in dir. Variables are interpolated
// from the bundle's .env file when present.
func LoadBundle(ctx context.Context, dir, project string, files []string) (Definition, error) {
	paths, err := ResolveFiles(dir, files)
	if err != nil {
		return Definition{}, err
	}

	configFiles := make([]types.ConfigFile, 0, len(paths))
	for _, path := range paths {
		body, err := os.ReadFile(path)
		if err != nil {
			return Definition{}, fmt.Errorf("read compose file: %w", err)
		}
		configFiles = append(configFiles, types.ConfigFile{Filename: path, Content: body})
	}

	env, err := bundleEnv(dir)
	if err != nil {
		return Definition{}, err
	}

	return parse(ctx, types.ConfigDetails{
		WorkingDir:  dir,
		ConfigFiles: configFiles,
		Environment: env,
	}, project)
}

// ParseDefinition parses a single compose document.
func ParseDefinition(ctx context.Context, body []byte, project string) (Definition, error) {
	if len(body) == 0 {
		return Definition{}, errors.New("compose body is empty")
	}
	return parse(ctx, types.ConfigDetails{
		WorkingDir:  ".",
		ConfigFiles: []types.ConfigFile{{Filename: "compose.yml", Content: body}},
		Environment: types.Mapping{},
	}, project)
}

func parse(ctx context.Context, details types.ConfigDetails, projectName string) (Definition, error) {
	project, err := loader.LoadWithContext(ctx, details, func(opts *loader.Options) {
		if projectName != "" {
			opts.SetProjectName(projectName, true)
			return
		}
		opts.SetProjectName(defaultProjectName, false)
	})
	if err != nil {
		return Definition{}, fmt.Errorf("load compose: %w", err)
	}
	if len(project.Services) == 0 {
		return Definition{}, errors.New("compose has no services")
	}

	def := Definition{
		Project:  project.Name,
		Services: make(map[string]Service, len(project.Services)),
	}
	for name, service := range project.Services {
		image := service.Image
		if image == "" {
			if service.Build == nil {
				return Definition{}, fmt.Errorf("service %q missing image", name)
			}
			// compose tags locally built images as <project>-<service>
			image = project.Name + "-" + name
		}

		replicas := 1
		if service.Deploy != nil && service.Deploy.Replicas != nil {
			replicas = *service.Deploy.Replicas
		} else if service.Scale != nil {
			replicas = *service.Scale
		}

		def.Services[name] = Service{
			Name:          name,
			Image:         image,
			ContainerName: service.ContainerName,
			Replicas:      replicas,
		}
	}
	return def, nil
}

func bundleEnv(dir string) (types.Mapping, error) {
	env := types.Mapping{}
	path := filepath.Join(dir, ".env")
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return env, nil
		}
		return nil, fmt.Errorf("read bundle env: %w", err)
	}
	for k, v := range values {
		env[k] = v
	}
	return env, nil
}
