//go:build linux

// Command fiberecho is a TCP echo server running on a fiber IOManager. Every
// client is served by its own fiber, using the hook package's blocking-style
// calls. Received bytes are echoed back and printed, as text or as a hex
// dump.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joeycumines/go-fiber/config"
	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/internal/logx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr    string
		threads int
		mode    string
		cfgFile string
	)

	cmd := &cobra.Command{
		Use:          "fiberecho",
		Short:        "Fiber based TCP echo server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return nil
			}
			if err := config.Load(cfgFile); err != nil {
				return err
			}
			config.Watch()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var hexMode bool
			switch mode {
			case "text":
			case "hex":
				hexMode = true
			default:
				return fmt.Errorf("invalid --mode %q: want text or hex", mode)
			}

			iom, err := fiber.NewIOManager(threads, false, "fiberecho")
			if err != nil {
				return err
			}
			logger := logx.Default()
			s := newServer(logger, cmd.OutOrStdout(), hexMode)
			port, err := s.start(iom, addr)
			if err != nil {
				_ = iom.Close()
				return err
			}
			logger.Info().
				Str(`addr`, addr).
				Int(`port`, port).
				Str(`mode`, mode).
				Log(`listening`)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logger.Info().
				Int(`connections`, s.connections()).
				Log(`shutting down`)
			s.shutdown(iom)
			return iom.Close()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (any format viper reads), watched for changes")
	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0:8020", "listen address")
	cmd.Flags().IntVar(&threads, "threads", 3, "IOManager worker threads")
	cmd.Flags().StringVar(&mode, "mode", "text", "output mode: text or hex")

	cmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Dump(cmd.OutOrStdout())
		},
	})

	return cmd
}
