package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// RootCmd is the base command when watdbg is called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "watdbg",
	Short: "Source-level debugger for Watcom-compiled 32-bit Windows executables",
	Long: `watdbg drives a debuggee under the native Windows debug API and resolves
addresses against the DWARF 2 debug information Open Watcom appends to the
executable as an ELF container.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.watdbg.yaml)")
	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".watdbg")
	}

	viper.SetDefault("poll_timeout_ms", 100)
	viper.SetDefault("idle_poll_ms", 10)
	viper.SetDefault("source_dirs", []string{})

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
