package cmd

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/caedis/bundle-sync/internal/downloader"
	"github.com/caedis/bundle-sync/internal/logging"
)

var noProgress bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync external bundles and built-in assets from the CDN",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		if appVersion == "" || buildVersion == "" {
			return wrapUsageError(fmt.Errorf("--app-version and --build-version are required"))
		}
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a.serveMetrics(ctx)

		if !noProgress {
			bars := newGroupBars()
			remove := a.queue.AddListener(bars.listener())
			defer remove()
			defer bars.finish()
		}

		s, syncErr := a.manager.SyncAssets(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Infof("Waiting for background downloads...\n")
		if err := a.waitIdle(ctx); err != nil {
			return err
		}

		bundles := s.Bundles()
		logging.Infof("\nSync complete: %d external bundles\n", len(bundles))
		for _, name := range slices.Sorted(maps.Keys(bundles)) {
			b := bundles[name]
			logging.Infof("  %s: v%d, %d files\n", name, b.LocalVersion(), len(b.FileMap()))
		}
		if builtin := s.Builtin(); builtin != nil {
			discarded, fresh, skipped := builtin.Result()
			if skipped {
				logging.Infof("  Built-in assets: up to date\n")
			} else {
				logging.Infof("  Built-in assets: %d discarded, %d downloaded\n", len(discarded), len(fresh))
			}
		}
		return syncErr
	},
}

// groupBars renders one progress bar per download group.
type groupBars struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newGroupBars() *groupBars {
	return &groupBars{bars: make(map[string]*progressbar.ProgressBar)}
}

func (g *groupBars) listener() downloader.Listener {
	return downloader.Listener{
		OnGroupProgress: func(group string, percent int) {
			_ = g.bar(group).Set(percent)
		},
		OnGroupComplete: func(group string, urls []string) {
			g.mu.Lock()
			defer g.mu.Unlock()
			if bar, ok := g.bars[group]; ok {
				_ = bar.Finish()
				delete(g.bars, group)
			}
			logging.Debugf("Verbose: group %s complete, files=%d", group, len(urls))
		},
		OnFail: func(url string, err error) {
			logging.Debugf("Verbose: download failed %s: %v", url, err)
		},
	}
}

func (g *groupBars) bar(group string) *progressbar.ProgressBar {
	g.mu.Lock()
	defer g.mu.Unlock()
	bar, ok := g.bars[group]
	if !ok {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(group),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionClearOnFinish(),
		)
		g.bars[group] = bar
	}
	return bar
}

func (g *groupBars) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, bar := range g.bars {
		_ = bar.Finish()
		delete(g.bars, name)
	}
}

func init() {
	syncCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable group download progress bars")
	rootCmd.AddCommand(syncCmd)
}
