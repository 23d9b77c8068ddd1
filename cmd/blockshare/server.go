package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/m1m1ck/blockshare/internal/blockstore"
	"github.com/m1m1ck/blockshare/internal/config"
	"github.com/m1m1ck/blockshare/internal/server"
)

func newServerCmd() *cobra.Command {
	cfg := config.DefaultServerConfig()

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Host a fixed catalog of files and serve blocks to clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(func() error { return runServer(cfg) })
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flags.IntVar(&cfg.Cs, "Cs", cfg.Cs, "server pool size")
	flags.Float64Var(&cfg.P, "P", cfg.P, "per-tick disconnect probability")
	flags.IntVar(&cfg.T, "T", cfg.T, "chaos interval in seconds")
	flags.IntVar(&cfg.B, "B", cfg.B, "block size in bytes")
	flags.StringVar(&cfg.FilesDir, "filesDir", cfg.FilesDir, "source directory to serve")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "print detailed logs")

	cmd.MarkFlagRequired("port")
	return cmd
}

func runServer(cfg config.ServerConfig) error {
	assert(cfg.Port > 0, "Invalid port, must be a positive integer")
	assert(cfg.B > 0, "Invalid block size, must be a positive integer")
	assert(cfg.Cs > 0, "Invalid server pool size, must be a positive integer")

	store, err := blockstore.New(cfg.FilesDir, cfg.B)
	assert(err == nil, fmt.Sprintf("Invalid files directory: %v", err))

	srv, err := server.New(cfg, store)
	assert(err == nil, fmt.Sprintf("Error scanning files directory: %v", err))

	addr, err := srv.Serve()
	assert(err == nil, fmt.Sprintf("Error binding port %d: %v", cfg.Port, err))

	fmt.Printf("====================== Server Details ======================\n")
	fmt.Printf("Listening: %s\nPool size (Cs): %d\nChaos: P=%v T=%vs\nBlock size (B): %d\nFiles dir: %s\n",
		addr, cfg.Cs, cfg.P, cfg.T, cfg.B, cfg.FilesDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	return srv.Close()
}
