package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sourcesystems/csvpipeline/internal/common"
	commonconfig "github.com/sourcesystems/csvpipeline/internal/common/config"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "csvpipeline",
		SilenceUsage: true,
		Short:        "Ingests CSV files into a document store through pulsar",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return viper.BindPFlag(CustomConfigLocation, cmd.Flags().Lookup(CustomConfigLocation))
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		producerCmd(),
		consumerCmd(),
		reprocessCmd(),
	)

	return cmd
}

// loadConfig reads <defaultPath>/config.yaml plus any user specified overrides into config and validates the result.
func loadConfig(config interface{}, defaultPath string) error {
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(config, defaultPath, userSpecifiedConfigs)

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return err
}
