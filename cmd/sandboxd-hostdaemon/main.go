// Command sandboxd-hostdaemon is the reference host daemon: a containerd-
// backed implementation of the §6.2 host gateway HTTP contract, used for
// local development and integration testing. It is explicitly a test/dev
// fixture, not the real production host fleet — a production deployment
// swaps it for a micro-VM or managed-droplet backend speaking the same
// contract.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/sandboxd/pkg/hostdaemon"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/spf13/cobra"
)

const shutdownGrace = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "sandboxd-hostdaemon",
	Short: "Reference containerd-backed host daemon for sandboxd",
	RunE:  runServe,
}

func init() {
	rootCmd.Flags().String("listen-addr", "0.0.0.0:9000", "Address to listen on")
	rootCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path")
	rootCmd.Flags().String("shared-secret", "", "Bearer secret required on every inbound request")
	rootCmd.Flags().String("default-image", "sandboxd/base:latest", "Image used when a sandbox create request omits one")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	socketPath, _ := cmd.Flags().GetString("containerd-socket")
	sharedSecret, _ := cmd.Flags().GetString("shared-secret")
	defaultImage, _ := cmd.Flags().GetString("default-image")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	if sharedSecret == "" {
		log.Warn("sandboxd-hostdaemon: starting with no shared secret, every request will be accepted unauthenticated")
	}

	rt, err := runtime.NewContainerdRuntime(socketPath)
	if err != nil {
		return fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}
	defer rt.Close()

	daemon := hostdaemon.New(hostdaemon.Config{
		Runtime:      rt,
		SharedSecret: sharedSecret,
		DefaultImage: defaultImage,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := daemon.Listen(listenAddr); err != nil {
			errCh <- err
		}
	}()
	log.Info(fmt.Sprintf("sandboxd-hostdaemon listening on %s (containerd socket %s)", listenAddr, socketPath))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("daemon server error: %w", err)
	case <-sigCh:
		log.Info("sandboxd-hostdaemon shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return daemon.Shutdown(ctx)
}
