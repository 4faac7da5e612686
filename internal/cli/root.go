// Package cli holds the sku-render command tree.
package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sku-render-pipeline/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "sku-render",
	Short: "Batch product image generation with a quality gate",
	Long: `sku-render turns product records into e-commerce images. Each record is
compiled into a prompt, rendered by an image model, and checked by a vision
model; failed checks are retried within a per-task budget.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/sku-render/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SKURENDER")
	// SKURENDER_PIPELINE_MAX_RETRIES for pipeline.max_retries
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine
	_ = viper.ReadInConfig()
}
