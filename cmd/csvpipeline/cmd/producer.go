package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sourcesystems/csvpipeline/internal/common/app"
	"github.com/sourcesystems/csvpipeline/internal/producer"
	"github.com/sourcesystems/csvpipeline/internal/producer/configuration"
)

func producerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "producer",
		Short: "Watches a directory for CSV files and publishes their records to pulsar",
		RunE:  runProducer,
	}
}

func runProducer(_ *cobra.Command, _ []string) error {
	var config configuration.ProducerConfiguration
	if err := loadConfig(&config, "./config/producer"); err != nil {
		return err
	}
	ctx := app.CreateContextWithShutdown("producer")
	return producer.Run(ctx, config)
}
