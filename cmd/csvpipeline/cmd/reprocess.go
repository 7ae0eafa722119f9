package cmd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sourcesystems/csvpipeline/internal/common/app"
	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/consumer"
	"github.com/sourcesystems/csvpipeline/internal/consumer/configuration"
)

func reprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Moves dead-lettered records back into the primary store once and exits",
		RunE:  reprocess,
	}
	cmd.Flags().Duration(
		"timeout",
		10*time.Minute,
		"Duration after which the run will fail if it has not completed")
	return cmd
}

func reprocess(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}

	var config configuration.ConsumerConfiguration
	if err := loadConfig(&config, consumerConfigPath); err != nil {
		return err
	}

	ctx, cancel := csvcontext.WithTimeout(app.CreateContextWithShutdown("reprocess"), timeout)
	defer cancel()
	return consumer.RunReprocessor(ctx, config)
}
