package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WiLGYSeF/stalk-sub000/internal/kafka"
	"github.com/WiLGYSeF/stalk-sub000/services/archiver/config"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail job and task state-change events",
	Long: `Read state-change events from Kafka and print them as JSON lines.

Without --group the topic is tailed without committing offsets.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().Bool("from-start", false, "read the topic from the earliest offset")
	eventsCmd.Flags().String("group", "", "consumer group id; offsets are committed when set")
	eventsCmd.Flags().Int64("job", 0, "only print events of this job id")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "archiver-events")

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return errors.New("kafka_brokers is required")
	}
	fromStart, _ := cmd.Flags().GetBool("from-start")
	group, _ := cmd.Flags().GetString("group")
	jobID, _ := cmd.Flags().GetInt64("job")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	consumer := kafka.NewConsumer(brokers, cfg.EventsTopic, group, fromStart, logger)
	defer func() { _ = consumer.Close() }()

	enc := json.NewEncoder(cmd.OutOrStdout())
	return consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		ev, err := kafka.DecodeStateEvent(msg)
		if err != nil {
			logger.Warn("skipping event", slog.String("error", err.Error()))
			return nil
		}
		if jobID != 0 && ev.JobID != jobID {
			return nil
		}
		return enc.Encode(ev)
	})
}
