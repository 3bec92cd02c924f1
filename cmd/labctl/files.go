package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/workspace"
)

var filesCmd = &cobra.Command{
	Use:     "files",
	Aliases: []string{"ls"},
	Short:   "List the session's files",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			list, err := ws.Files.List(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range list {
				if f.IsFolder {
					fmt.Fprintf(out, "%s/\n", f.Path)
					continue
				}
				fmt.Fprintf(out, "%-40s %s\n", f.Path, f.Language)
			}
			return nil
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			f, err := lookup(ctx, ws, args[0])
			if err != nil {
				return err
			}
			opened, err := ws.Files.Open(ctx, f.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, opened.Content)
			if !strings.HasSuffix(opened.Content, "\n") && opened.Content != "" {
				fmt.Fprintln(out)
			}
			return nil
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <path>",
	Short: "Write stdin to a file, creating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			if _, err := ws.Files.List(ctx); err != nil {
				return err
			}
			var saved *domain.File
			if f, ok := ws.Files.Lookup(args[0]); ok {
				saved, err = ws.Files.SaveContent(ctx, f.ID, string(content))
			} else {
				saved, err = ws.Files.Create(ctx, args[0], string(content))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", saved.Path, saved.Language)
			return nil
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			_, err := ws.Files.CreateFolder(ctx, args[0])
			return err
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <from> <to>",
	Short: "Rename or move a file or folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			f, err := lookup(ctx, ws, args[0])
			if err != nil {
				return err
			}
			_, err = ws.Files.Rename(ctx, f.ID, args[1])
			return err
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Delete a file or folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			f, err := lookup(ctx, ws, args[0])
			if err != nil {
				return err
			}
			return ws.Files.Delete(ctx, f.ID)
		})
	},
}

func lookup(ctx context.Context, ws *workspace.Workspace, path string) (*domain.File, error) {
	if _, err := ws.Files.List(ctx); err != nil {
		return nil, err
	}
	f, ok := ws.Files.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return f, nil
}
