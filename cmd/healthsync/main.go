package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/healthsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "healthsync",
		Short:         "Offline record capture and sync for field health workers",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newRecordCommand(),
		newSyncCommand(),
		newProbeCommand(),
		newVersionCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("upload-url", defaults.GetString("remote.upload_url"), "Remote endpoint accepting one record per request")
	flags.Duration("upload-timeout", defaults.GetDuration("remote.upload_timeout"), "Hard timeout for each record upload")
	flags.String("upload-signing-secret", "", "Secret for device bearer tokens sent with uploads (overrides env)")
	flags.String("device-id", defaults.GetString("device.id"), "Device identifier carried in upload tokens")
	flags.String("probe-url", defaults.GetString("connectivity.probe_url"), "Endpoint used to test reachability")
	flags.Duration("probe-timeout", defaults.GetDuration("connectivity.probe_timeout"), "Reachability probe timeout")
	flags.String("auth-mode", defaults.GetString("auth.mode"), "Credential check: code or session")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.upload_url", "upload-url")
	bindFlag(cmd, "remote.upload_timeout", "upload-timeout")
	bindFlag(cmd, "remote.signing_secret", "upload-signing-secret")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "connectivity.probe_url", "probe-url")
	bindFlag(cmd, "connectivity.probe_timeout", "probe-timeout")
	bindFlag(cmd, "auth.mode", "auth-mode")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("healthsync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
