package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/couchbaselabs/gocbnet"
)

var (
	agent *gocbnet.Agent

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "gocbnet",
		Short: "Couchbase key-value client",
		Long: `gocbnet talks to a Couchbase bucket over the memcached binary protocol.

Settings are read from flags, GOCBNET_* environment variables and a .env file
in the working directory, in that order of precedence.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of gocbnet",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gocbnet %s\n", gocbnet.Version())
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().String("connstr", "couchbase://127.0.0.1", "connection string of the cluster")
	RootCmd.PersistentFlags().String("config", "", "YAML agent config file, overrides --connstr")
	RootCmd.PersistentFlags().String("bucket", "default", "bucket to open")
	RootCmd.PersistentFlags().String("username", "Administrator", "RBAC username")
	RootCmd.PersistentFlags().String("password", "", "RBAC password")
	RootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "deadline for each operation")
	RootCmd.PersistentFlags().String("log-level", "", "log level (error, warn, info, debug, trace)")

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(getCmd)
	RootCmd.AddCommand(upsertCmd)
	RootCmd.AddCommand(removeCmd)
	RootCmd.AddCommand(queryCmd)
	RootCmd.AddCommand(scanCmd)
	RootCmd.AddCommand(diagCmd)
}

func initConfig() {
	// A missing .env is not an error.
	_ = godotenv.Load()

	viper.SetEnvPrefix("gocbnet")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// buildAgentConfig assembles the agent config from the bound settings.
func buildAgentConfig() (*gocbnet.AgentConfig, error) {
	var config *gocbnet.AgentConfig
	if path := viper.GetString("config"); path != "" {
		var err error
		config, err = gocbnet.LoadAgentConfigFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		config = &gocbnet.AgentConfig{}
		if err := config.FromConnStr(viper.GetString("connstr")); err != nil {
			return nil, err
		}
	}

	if config.BucketName == "" {
		config.BucketName = viper.GetString("bucket")
	}
	if config.UserAgent == "" {
		config.UserAgent = "gocbnet-cli"
	}
	if config.SecurityConfig.Auth == nil {
		config.SecurityConfig.Auth = gocbnet.PasswordAuthProvider{
			Username: viper.GetString("username"),
			Password: viper.GetString("password"),
		}
	}

	return config, nil
}

// connectAgent is the PersistentPreRunE of every command that needs a bucket.
func connectAgent(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if levelName := viper.GetString("log-level"); levelName != "" {
		level, err := gocbnet.ParseLogLevel(levelName)
		if err != nil {
			return err
		}
		gocbnet.SetLogger(gocbnet.NewLevelLogger(level))
	}

	config, err := buildAgentConfig()
	if err != nil {
		return err
	}

	agent, err = gocbnet.CreateAgent(config)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	return agent.WaitUntilReady(ctx)
}

func closeAgent(_ *cobra.Command, _ []string) error {
	if agent == nil {
		return nil
	}
	return agent.Close()
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
}

func opDeadline() time.Time {
	return time.Now().Add(viper.GetDuration("timeout"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
