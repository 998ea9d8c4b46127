package cmd

import (
	"bytes"

	"github.com/BurntSushi/toml"
	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage saved option profiles",
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new profile from the explicitly set global flags",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := profileFromFlags(cmd.Flags())
		if err := profile.Save(args[0], p); err != nil {
			return err
		}
		logging.Infof("Profile %q saved to %s\n", args[0], profile.Dir())
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved profiles",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := profile.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			logging.Infoln("No profiles saved.")
			return nil
		}
		for _, n := range names {
			logging.Infoln(n)
		}
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a profile's contents",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := profile.Load(args[0])
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(p); err != nil {
			return err
		}
		logging.Infof("%s", buf.String())
		return nil
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a saved profile",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := profile.Delete(args[0]); err != nil {
			return err
		}
		logging.Infof("Profile %q deleted.\n", args[0])
		return nil
	},
}

// profileFromFlags captures every persistent flag the user set explicitly.
func profileFromFlags(flags *pflag.FlagSet) *profile.Profile {
	p := &profile.Profile{}
	if flags.Changed("root") {
		p.Root = &rootDir
	}
	if flags.Changed("cdn") {
		p.CDN = &cdnURL
	}
	if flags.Changed("app-version") {
		p.AppVersion = &appVersion
	}
	if flags.Changed("build-version") {
		p.BuildVersion = &buildVersion
	}
	if flags.Changed("web") {
		p.Web = &web
	}
	if flags.Changed("max-connections") {
		p.MaxConnections = &maxConnections
	}
	if flags.Changed("rate-limit") {
		p.RateLimit = &rateLimit
	}
	if flags.Changed("metrics-addr") {
		p.MetricsAddr = &metricsAddr
	}
	if flags.Changed("verbose") {
		p.Verbose = &verbose
	}
	if flags.Changed("log-file") {
		p.LogFile = &logFile
	}
	return p
}

func init() {
	profileCmd.AddCommand(profileCreateCmd, profileListCmd, profileShowCmd, profileDeleteCmd)
	rootCmd.AddCommand(profileCmd)
}
