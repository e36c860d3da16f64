package health

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nholik/hostkeeper/internal/compose"
	"github.com/nholik/hostkeeper/internal/container"
)

// Evaluate matches the project's containers against the bundle definition.
//
// A service is running when at least its desired number of containers are running.
// It is exited when it has containers but fewer are running, and unknown when no
// container for it exists. Every service that is not running produces a warning.
func Evaluate(def compose.Definition, containers []container.ContainerState) Report {
	byService := make(map[string][]container.ContainerState)
	for _, ctr := range containers {
		name := serviceOf(def, ctr)
		byService[name] = append(byService[name], ctr)
	}

	report := Report{Services: make(map[string]ServiceHealth, len(def.Services))}
	for _, name := range def.Names() {
		svc := evaluateService(def.Services[name], byService[name])
		report.Services[name] = svc
		if svc.Status != StatusRunning {
			report.Warnings = append(report.Warnings, fmt.Sprintf("service %s is %s: %s", name, svc.Status, strings.Join(svc.Reasons, "; ")))
		}
	}

	for name, ctrs := range byService {
		if _, ok := def.Services[name]; ok || name == "" {
			continue
		}
		if running(ctrs) > 0 {
			report.Unexpected = append(report.Unexpected, name)
		}
	}
	sort.Strings(report.Unexpected)
	for _, name := range report.Unexpected {
		report.Warnings = append(report.Warnings, fmt.Sprintf("service %s is running but not defined in the bundle", name))
	}

	return report
}

func evaluateService(desired compose.Service, ctrs []container.ContainerState) ServiceHealth {
	health := ServiceHealth{
		Name:            desired.Name,
		DesiredImage:    container.NormalizeImage(desired.Image),
		DesiredReplicas: desired.Replicas,
	}
	if health.DesiredReplicas <= 0 {
		health.DesiredReplicas = 1
	}

	if len(ctrs) == 0 {
		health.Status = StatusUnknown
		health.Reasons = []string{"no container found"}
		return health
	}

	sort.Slice(ctrs, func(i, j int) bool { return ctrs[i].Name < ctrs[j].Name })
	for _, ctr := range ctrs {
		health.Containers = append(health.Containers, ctr.Name)
		if health.ActualImage == "" {
			health.ActualImage = ctr.Image
		}
		if ctr.State != container.StateRunning {
			health.Reasons = append(health.Reasons, fmt.Sprintf("%s %s", ctr.Name, describe(ctr)))
		}
	}
	health.RunningReplicas = running(ctrs)

	switch {
	case health.RunningReplicas >= health.DesiredReplicas:
		health.Status = StatusRunning
		health.Reasons = nil
	case health.RunningReplicas > 0:
		health.Status = StatusExited
		health.Reasons = append([]string{fmt.Sprintf("replicas running %d/%d", health.RunningReplicas, health.DesiredReplicas)}, health.Reasons...)
	default:
		health.Status = StatusExited
	}
	if health.Status == StatusExited && onlyTransient(ctrs) {
		health.Status = StatusUnknown
	}
	return health
}

func serviceOf(def compose.Definition, ctr container.ContainerState) string {
	if ctr.Service != "" {
		return ctr.Service
	}
	for name, svc := range def.Services {
		if svc.ContainerName != "" && svc.ContainerName == ctr.Name {
			return name
		}
	}
	return ""
}

func running(ctrs []container.ContainerState) int {
	n := 0
	for _, ctr := range ctrs {
		if ctr.State == container.StateRunning {
			n++
		}
	}
	return n
}

// onlyTransient reports whether no container has stopped for good yet.
func onlyTransient(ctrs []container.ContainerState) bool {
	for _, ctr := range ctrs {
		switch ctr.State {
		case container.StateExited, container.StateDead:
			return false
		}
	}
	return true
}

func describe(ctr container.ContainerState) string {
	if ctr.Status != "" {
		return ctr.Status
	}
	return ctr.State
}
