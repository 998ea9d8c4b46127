package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caedis/bundle-sync/internal/downloader"
	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	rootDir        string
	cdnURL         string
	appVersion     string
	buildVersion   string
	web            bool
	maxConnections int
	rateLimit      float64
	metricsAddr    string
	profileName    string
	verbose        bool
	logFile        string
)

var rootCmd = &cobra.Command{
	Use:           "bundle-sync",
	Short:         "Sync versioned asset bundles from a CDN",
	Long:          "Keep a local asset directory in step with a CDN: external bundles are diffed against their remote index, the built-in asset set against the asset map of the current app version.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Apply profile defaults for flags not explicitly set by the user.
		if profileName != "" {
			p, err := profile.Load(profileName)
			if err != nil {
				return err
			}
			applyProfile(cmd.Flags(), p)
		}

		logging.SetVerbose(verbose)
		if err := logging.SetOutputFile(logFile); err != nil {
			return fmt.Errorf("opening log file %q: %w", logFile, err)
		}
		return nil
	},
}

func applyProfile(flags *pflag.FlagSet, p *profile.Profile) {
	if p.Root != nil && !flags.Changed("root") {
		rootDir = *p.Root
	}
	if p.CDN != nil && !flags.Changed("cdn") {
		cdnURL = *p.CDN
	}
	if p.AppVersion != nil && !flags.Changed("app-version") {
		appVersion = *p.AppVersion
	}
	if p.BuildVersion != nil && !flags.Changed("build-version") {
		buildVersion = *p.BuildVersion
	}
	if p.Web != nil && !flags.Changed("web") {
		web = *p.Web
	}
	if p.MaxConnections != nil && !flags.Changed("max-connections") {
		maxConnections = *p.MaxConnections
	}
	if p.RateLimit != nil && !flags.Changed("rate-limit") {
		rateLimit = *p.RateLimit
	}
	if p.MetricsAddr != nil && !flags.Changed("metrics-addr") {
		metricsAddr = *p.MetricsAddr
	}
	if p.Verbose != nil && !flags.Changed("verbose") {
		verbose = *p.Verbose
	}
	if p.LogFile != nil && !flags.Changed("log-file") {
		logFile = *p.LogFile
	}
}

func Execute() {
	err := rootCmd.Execute()
	closeErr := logging.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "Error closing log file: %v\n", closeErr)
		if err == nil {
			os.Exit(1)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if isUsageError(err) {
			if cmd, _, findErr := rootCmd.Find(os.Args[1:]); findErr == nil && cmd != nil {
				_ = cmd.Usage()
			} else {
				_ = rootCmd.Usage()
			}
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return wrapUsageError(err)
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&rootDir, "root", "d", ".", "Writable storage root; empty for a platform without storage")
	flags.StringVar(&cdnURL, "cdn", "", "CDN base URL (also reads BUNDLE_SYNC_CDN env)")
	flags.StringVar(&appVersion, "app-version", "", "App version used for the built-in asset map")
	flags.StringVar(&buildVersion, "build-version", "", "Build version used for the built-in asset map")
	flags.BoolVar(&web, "web", false, "Skip built-in asset sync as a web platform does")
	flags.IntVar(&maxConnections, "max-connections", downloader.DefaultMaxConnections, "Steady-state download connection cap")
	flags.Float64Var(&rateLimit, "rate-limit", 0, "Maximum CDN requests per second (0 disables)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while running")
	flags.StringVar(&profileName, "profile", "", "Load a saved option profile by name")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVar(&logFile, "log-file", "", "Write command output to a log file")
}

func getCDN() string {
	if cdnURL != "" {
		return cdnURL
	}
	return os.Getenv("BUNDLE_SYNC_CDN")
}

type usageError struct {
	err error
}

func (e *usageError) Error() string {
	return e.err.Error()
}

func (e *usageError) Unwrap() error {
	return e.err
}

func wrapUsageError(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if validate == nil {
			return nil
		}
		if err := validate(cmd, args); err != nil {
			return wrapUsageError(err)
		}
		return nil
	}
}

func isUsageError(err error) bool {
	var ue *usageError
	if errors.As(err, &ue) {
		return true
	}

	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command ")
}
