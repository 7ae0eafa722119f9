package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sourcesystems/csvpipeline/internal/common/app"
	"github.com/sourcesystems/csvpipeline/internal/consumer"
	"github.com/sourcesystems/csvpipeline/internal/consumer/configuration"
)

const consumerConfigPath = "./config/consumer"

func consumerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Stores records received from pulsar and periodically retries dead-lettered records",
		RunE:  runConsumer,
	}
}

func runConsumer(_ *cobra.Command, _ []string) error {
	var config configuration.ConsumerConfiguration
	if err := loadConfig(&config, consumerConfigPath); err != nil {
		return err
	}
	ctx := app.CreateContextWithShutdown("consumer")
	return consumer.Run(ctx, config)
}
