package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nathikazad/nexus-link/internal/transfer"
)

// discardSink drops playback audio; one-shot file operations have no use
// for the voice path.
type discardSink struct{}

func (discardSink) Write([]byte) error { return nil }

func newFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "One-shot file operations against the connected device",
	}
	cmd.AddCommand(newFilesListCmd())
	cmd.AddCommand(newFilesSendCmd())
	cmd.AddCommand(newFilesRecvCmd())
	return cmd
}

func newFilesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [path]",
		Short: "List files stored on the device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return withApp(func(ctx context.Context, a *app) error {
				entries, err := a.bridge.ListFiles(ctx, path)
				if err != nil {
					return err
				}
				printEntries(entries)
				return nil
			})
		},
	}
}

func newFilesSendCmd() *cobra.Command {
	var remoteName string

	cmd := &cobra.Command{
		Use:   "send <local-file>",
		Short: "Send a local file to the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localPath := args[0]
			name := remoteName
			if name == "" {
				name = filepath.Base(localPath)
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.bridge.SendFile(ctx, localPath, name); err != nil {
					return err
				}
				fmt.Printf("Sent %s as %s\n", localPath, name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&remoteName, "as", "", "Name to store the file under on the device")

	return cmd
}

func newFilesRecvCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "recv <remote-file>",
		Short: "Fetch a file from the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remoteName := args[0]
			dest := outputPath
			if dest == "" {
				dest = filepath.Base(remoteName)
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.bridge.ReceiveFile(ctx, remoteName, dest); err != nil {
					return err
				}
				fmt.Printf("Received %s to %s\n", remoteName, dest)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Local path to write the file to")

	return cmd
}

// withApp connects to the device, runs op with a signal-cancelled
// context, and tears the stack down afterwards.
func withApp(op func(context.Context, *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := buildApp(cfg, logger, discardSink{})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.bridge.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return op(ctx, a)
}

func printEntries(entries []transfer.FileEntry) {
	if len(entries) == 0 {
		fmt.Println("No files on device")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tTYPE")
	for _, e := range entries {
		kind := "file"
		if e.IsDirectory {
			kind = "dir"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", e.Name, e.Size, kind)
	}
	w.Flush()
}
