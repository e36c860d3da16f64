// Package transition detects service status changes between two update runs.
package transition

import (
	"sort"

	"github.com/nholik/hostkeeper/internal/health"
)

// ReplicaChange captures replica count changes between runs.
type ReplicaChange struct {
	PreviousDesired int
	CurrentDesired  int
	PreviousRunning int
	CurrentRunning  int
	DesiredDelta    int
	RunningDelta    int
}

// ImageChange captures image details during a transition.
type ImageChange struct {
	PreviousDesired string
	CurrentDesired  string
	PreviousActual  string
	CurrentActual   string
}

// ServiceTransition captures a status transition with details.
type ServiceTransition struct {
	Name           string
	PreviousStatus health.ServiceStatus
	CurrentStatus  health.ServiceStatus
	Reasons        []string
	ReplicaChange  *ReplicaChange
	ImageChange    *ImageChange
}

// Recovered reports whether the service came back to running.
func (t ServiceTransition) Recovered() bool {
	return t.CurrentStatus == health.StatusRunning
}

// Detect compares the services of the previous run with the current report.
// With no previous run only services that are not running are reported. Services that
// disappeared from the bundle are not reported.
func Detect(prev map[string]health.ServiceHealth, current health.Report) []ServiceTransition {
	firstRun := len(prev) == 0

	transitions := make([]ServiceTransition, 0)
	for name, currentService := range current.Services {
		prevService, hadPrev := prev[name]

		switch {
		case firstRun || !hadPrev:
			if currentService.Status == health.StatusRunning {
				continue
			}
		case prevService.Status == currentService.Status:
			continue
		}

		transitions = append(transitions, ServiceTransition{
			Name:           name,
			PreviousStatus: prevService.Status,
			CurrentStatus:  currentService.Status,
			Reasons:        append([]string(nil), currentService.Reasons...),
			ReplicaChange:  buildReplicaChange(prevService, currentService, hadPrev),
			ImageChange:    buildImageChange(prevService, currentService, hadPrev),
		})
	}

	// Sort by service name for deterministic output
	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].Name < transitions[j].Name
	})

	return transitions
}

func buildReplicaChange(prev health.ServiceHealth, current health.ServiceHealth, hadPrev bool) *ReplicaChange {
	if !hadPrev && current.DesiredReplicas == 0 && current.RunningReplicas == 0 {
		return nil
	}
	return &ReplicaChange{
		PreviousDesired: prev.DesiredReplicas,
		CurrentDesired:  current.DesiredReplicas,
		PreviousRunning: prev.RunningReplicas,
		CurrentRunning:  current.RunningReplicas,
		DesiredDelta:    current.DesiredReplicas - prev.DesiredReplicas,
		RunningDelta:    current.RunningReplicas - prev.RunningReplicas,
	}
}

func buildImageChange(prev health.ServiceHealth, current health.ServiceHealth, hadPrev bool) *ImageChange {
	if !hadPrev && current.DesiredImage == "" && current.ActualImage == "" {
		return nil
	}
	if hadPrev && prev.DesiredImage == current.DesiredImage && prev.ActualImage == current.ActualImage {
		return nil
	}
	return &ImageChange{
		PreviousDesired: prev.DesiredImage,
		CurrentDesired:  current.DesiredImage,
		PreviousActual:  prev.ActualImage,
		CurrentActual:   current.ActualImage,
	}
}
