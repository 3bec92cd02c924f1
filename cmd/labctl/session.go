package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/workspace"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session status and resource usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			if ws.Session.Status().Active() {
				if _, err := ws.Session.RefreshResources(ctx); err != nil {
					logger.Warn("resource refresh failed", "error", err)
				}
			}
			printStatus(cmd.OutOrStdout(), ws)
			return nil
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session, reusing an active one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			if err := ensureRunning(ctx, ws); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), ws)
			return nil
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			if err := ws.Session.Pause(ctx); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), ws)
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the paused session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			if err := ws.Resume(ctx); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), ws)
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the session and discard its sandbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			if err := ws.Session.Stop(ctx); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), ws)
			return nil
		})
	},
}

func ensureRunning(ctx context.Context, ws *workspace.Workspace) error {
	switch ws.Session.Status() {
	case domain.StatusRunning:
		return nil
	case domain.StatusPaused:
		return ws.Resume(ctx)
	default:
		return ws.Start(ctx)
	}
}

func printStatus(w io.Writer, ws *workspace.Workspace) {
	s := ws.Session.Session()
	if s == nil {
		fmt.Fprintf(w, "status:   %s\n", ws.Session.Status())
		return
	}
	fmt.Fprintf(w, "session:  %s\n", s.ID)
	fmt.Fprintf(w, "status:   %s\n", ws.Session.Status())
	fmt.Fprintf(w, "elapsed:  %s\n", ws.Session.Elapsed().Truncate(time.Second))
	if res := ws.Session.Resources(); res != nil {
		fmt.Fprintf(w, "cpu:      %.1f%%\n", res.CPUPercent)
		fmt.Fprintf(w, "memory:   %s / %s\n", humanize.IBytes(res.MemoryUsed), humanize.IBytes(res.MemoryTotal))
		fmt.Fprintf(w, "disk:     %s / %s\n", humanize.IBytes(res.DiskUsed), humanize.IBytes(res.DiskTotal))
		if res.NetworkRxRate != nil && res.NetworkTxRate != nil {
			fmt.Fprintf(w, "network:  rx %s/s tx %s/s\n", humanize.IBytes(uint64(*res.NetworkRxRate)), humanize.IBytes(uint64(*res.NetworkTxRate)))
		}
	}
}
