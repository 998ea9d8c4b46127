package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/caedis/bundle-sync/internal/assetsync"
	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local bundles and the last synced built-in version",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		names, err := a.manager.LoadLocalBundles(ctx)
		if err != nil {
			return err
		}

		last := a.store.Get(store.LastSyncVersion)
		if last == "" {
			last = "never"
		}
		logging.Infof("Storage root:       %s\n", a.fs.Root())
		logging.Infof("Last built-in sync: %s\n", last)
		if appVersion != "" && buildVersion != "" {
			stamp := appVersion + "." + buildVersion
			cached := a.fs.Access(ctx, assetsync.AssetMapPath(stamp))
			logging.Infof("Asset map %s cached: %v\n", stamp, cached)
		}

		if len(names) == 0 {
			logging.Infoln("No external bundles stored.")
			return nil
		}
		logging.Infof("External bundles: %d\n", len(names))
		for _, name := range names {
			b := a.manager.Bundle(name)
			if b.LocalVersion() < 0 {
				logging.Infof("  %s: no valid index\n", name)
				continue
			}
			logging.Infof("  %s: v%d, %d files, %d preload\n", name, b.LocalVersion(), len(b.FileMap()), len(b.PreloadList()))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
