// Package health builds the post-deployment report of the bundle's services.
package health

import "sort"

// ServiceStatus is the observed state of one expected service.
type ServiceStatus string

const (
	StatusRunning ServiceStatus = "running"
	StatusExited  ServiceStatus = "exited"
	StatusUnknown ServiceStatus = "unknown"
)

// ServiceHealth captures health evaluation output for a service.
type ServiceHealth struct {
	Name            string        `json:"name"`
	Status          ServiceStatus `json:"status"`
	DesiredImage    string        `json:"desired_image,omitempty"`
	ActualImage     string        `json:"actual_image,omitempty"`
	DesiredReplicas int           `json:"desired_replicas"`
	RunningReplicas int           `json:"running_replicas"`
	Containers      []string      `json:"containers,omitempty"`
	Reasons         []string      `json:"reasons,omitempty"`
}

// Report is the health of every expected service after a deployment.
type Report struct {
	Services map[string]ServiceHealth `json:"services"`
	// Unexpected lists running services of the project the bundle does not define.
	Unexpected []string `json:"unexpected,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Healthy reports whether every expected service is running.
func (r Report) Healthy() bool {
	for _, svc := range r.Services {
		if svc.Status != StatusRunning {
			return false
		}
	}
	return true
}

// Names returns the service names in sorted order.
func (r Report) Names() []string {
	names := make([]string, 0, len(r.Services))
	for name := range r.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns how many services have status.
func (r Report) Count(status ServiceStatus) int {
	n := 0
	for _, svc := range r.Services {
		if svc.Status == status {
			n++
		}
	}
	return n
}
