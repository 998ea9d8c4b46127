package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caedis/bundle-sync/internal/logging"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Inspect external bundles",
}

var bundlePathCmd = &cobra.Command{
	Use:   "path <bundle> <file>",
	Short: "Print the storage path of a bundle file, or its CDN URL when not stored",
	Args:  usageArgs(cobra.ExactArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.manager.LoadLocalBundles(context.Background()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), a.manager.ExternalAssetPath(args[0], args[1]))
		return nil
	},
}

var bundleDownloadCmd = &cobra.Command{
	Use:   "download <bundle>",
	Short: "Download every file of a locally tracked bundle",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if _, err := a.manager.LoadLocalBundles(ctx); err != nil {
			return err
		}
		b := a.manager.Bundle(args[0])
		if b == nil {
			return wrapUsageError(fmt.Errorf("unknown bundle %q", args[0]))
		}
		a.manager.DownloadExternalBundle(ctx, args[0])
		if err := a.waitIdle(ctx); err != nil {
			return err
		}
		logging.Infof("Bundle %s downloaded: %d files\n", args[0], len(b.FileMap()))
		return nil
	},
}

func init() {
	bundleCmd.AddCommand(bundlePathCmd, bundleDownloadCmd)
	rootCmd.AddCommand(bundleCmd)
}
