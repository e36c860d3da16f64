package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/nholik/hostkeeper/internal/blockdev"
	"github.com/nholik/hostkeeper/internal/health"
	"github.com/nholik/hostkeeper/internal/provision"
	"github.com/nholik/hostkeeper/internal/update"
)

func printCandidates(w io.Writer, candidates []blockdev.BlockDevice) {
	if len(candidates) == 0 {
		fmt.Fprintln(w, "no candidate disks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tDEVICE\tSIZE\tMODEL\tIN USE")
	for i, d := range candidates {
		inUse := "no"
		if d.InUse() {
			inUse = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, d.Path, d.HumanSize(), d.Model, inUse)
	}
	_ = tw.Flush()
}

func printProvision(w io.Writer, result provision.Result) {
	switch result.Status {
	case provision.StatusSkipped:
		fmt.Fprintln(w, "nothing to provision: no candidate disks")
	case provision.StatusCancelled:
		fmt.Fprintf(w, "provisioning of %s cancelled\n", result.Device)
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "device\t%s\n", result.Device)
		fmt.Fprintf(tw, "uuid\t%s\n", result.UUID)
		fmt.Fprintf(tw, "mount point\t%s\n", result.MountPoint)
		fmt.Fprintf(tw, "data root\t%s\n", result.DataRoot)
		if result.FstabBackup != "" {
			fmt.Fprintf(tw, "fstab backup\t%s\n", result.FstabBackup)
		}
		if result.ConfigBackup != "" {
			fmt.Fprintf(tw, "config backup\t%s\n", result.ConfigBackup)
		}
		_ = tw.Flush()
	}
}

func printUpdate(w io.Writer, result update.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	switch {
	case result.SkippedBackup:
		fmt.Fprintln(tw, "snapshot\tskipped (no deployment yet)")
	case result.Snapshot.Planned:
		fmt.Fprintf(tw, "snapshot\twould write %s\n", result.Snapshot.Path)
	case result.Snapshot.Path != "":
		fmt.Fprintf(tw, "snapshot\t%s (%d files)\n", result.Snapshot.Path, result.Snapshot.Files)
	}
	if result.BackupOnly {
		return
	}

	if plan := result.Plan; plan != nil {
		fmt.Fprintf(tw, "action\t%s\n", plan.Action)
		if plan.CurrentRevision != "" {
			fmt.Fprintf(tw, "current\t%s\n", plan.CurrentRevision)
		}
		fmt.Fprintf(tw, "upstream\t%s\n", plan.UpstreamRevision)
		fmt.Fprintf(tw, "would change\t%t\n", plan.WouldChange)
		if len(plan.Drift) > 0 {
			fmt.Fprintf(tw, "local drift\t%s\n", strings.Join(plan.Drift, ", "))
		}
		return
	}

	fmt.Fprintf(tw, "action\t%s\n", result.Action)
	fmt.Fprintf(tw, "revision\t%s\n", result.Revision)
	if result.BundleDigest != "" {
		fmt.Fprintf(tw, "bundle\t%s\n", result.BundleDigest)
	}
	if result.Prune != nil {
		fmt.Fprintf(tw, "prune\t%s\n", result.Prune)
	}
	if report := result.Health; report != nil {
		for _, name := range report.Names() {
			svc := report.Services[name]
			line := string(svc.Status)
			if svc.Status != health.StatusRunning && len(svc.Reasons) > 0 {
				line += ": " + strings.Join(svc.Reasons, "; ")
			}
			fmt.Fprintf(tw, "service %s\t%s\n", name, line)
		}
		for _, warning := range report.Warnings {
			fmt.Fprintf(tw, "warning\t%s\n", warning)
		}
	}
}
