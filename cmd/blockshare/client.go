package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/m1m1ck/blockshare/internal/blockstore"
	"github.com/m1m1ck/blockshare/internal/config"
	"github.com/m1m1ck/blockshare/internal/downloadclient"
)

func newClientCmd() *cobra.Command {
	cfg := config.DefaultClientConfig()

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Download a file in parallel blocks and become a trusted peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(func() error { return runClient(cfg) })
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.Port, "port", cfg.Port, "the client's own listen port, for its trusted-peer server")
	flags.StringVar(&cfg.ServerHost, "serverHost", cfg.ServerHost, "server host")
	flags.IntVar(&cfg.ServerPort, "serverPort", cfg.ServerPort, "server port")
	flags.StringVar(&cfg.FileID, "file", cfg.FileID, `file id to download, or "random"`)
	flags.IntVar(&cfg.Dc, "Dc", cfg.Dc, "client parallelism")
	flags.Float64Var(&cfg.Pc, "Pc", cfg.Pc, "peer token-deny probability")
	flags.IntVar(&cfg.B, "B", cfg.B, "block size in bytes")
	flags.StringVar(&cfg.FilesDir, "filesDir", cfg.FilesDir, "destination directory for downloaded files")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "print detailed logs")

	cmd.MarkFlagRequired("port")
	return cmd
}

func runClient(cfg config.ClientConfig) error {
	assert(cfg.Port > 0, "Invalid port, must be a positive integer")
	assert(cfg.B > 0, "Invalid block size, must be a positive integer")
	assert(cfg.Dc > 0, "Invalid client parallelism (Dc), must be a positive integer")

	store, err := blockstore.New(cfg.FilesDir, cfg.B)
	assert(err == nil, fmt.Sprintf("Invalid files directory: %v", err))

	c := downloadclient.New(cfg, store)
	defer c.Close()

	fmt.Printf("====================== Client Details ======================\n")
	fmt.Printf("Server: %s:%d\nFile: %s\nParallelism (Dc): %d\nPort: %d\n", cfg.ServerHost, cfg.ServerPort, cfg.FileID, cfg.Dc, cfg.Port)

	if err := c.Run(); err != nil {
		return err
	}

	fmt.Println("Download verified. Now serving as a trusted peer; press Ctrl+C to exit.")
	select {}
}
