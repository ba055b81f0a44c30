package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/rabbitmq"
	"github.com/spf13/cobra"
)

// deadLetterSources maps each DLQ to the routing key its messages came from.
var deadLetterSources = map[string]string{
	domain.DeadLetterCustomerCreated:  domain.QueueCustomerCreated,
	domain.DeadLetterProposalApproved: domain.QueueProposalApproved,
}

type deadLetterStore interface {
	InspectDeadLetters(queue string, limit int) ([]rabbitmq.DeadLetterMessage, error)
	ReplayDeadLetters(ctx context.Context, queue, exchange, routingKey string, limit int) (int, error)
	PurgeDeadLetters(queue string) (int, error)
	Close()
}

type options struct {
	amqpURL string
	connect func(url string) (deadLetterStore, error)
}

func main() {
	_ = godotenv.Load()

	opts := &options{
		connect: func(url string) (deadLetterStore, error) { return rabbitmq.NewConsumer(url) },
	}
	if err := newRootCmd(opts).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dlqctl",
		Short:         "Inspect, replay and purge card issuance dead-letter queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.amqpURL, "amqp-url", os.Getenv("RABBITMQ_URL"), "RabbitMQ URL (defaults to $RABBITMQ_URL)")

	rootCmd.AddCommand(inspectCmd(opts))
	rootCmd.AddCommand(replayCmd(opts))
	rootCmd.AddCommand(purgeCmd(opts))
	return rootCmd
}

func inspectCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inspect <dlq>",
		Short: "Print dead-lettered messages without removing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := sourceFor(args[0]); err != nil {
				return err
			}
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			letters, err := st.InspectDeadLetters(args[0], limit)
			if err != nil {
				return err
			}
			return printDeadLetters(cmd.OutOrStdout(), letters)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum messages to show")
	return cmd
}

func replayCmd(opts *options) *cobra.Command {
	var (
		limit      int
		routingKey string
	)
	cmd := &cobra.Command{
		Use:   "replay <dlq>",
		Short: "Republish dead-lettered messages to the events exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := sourceFor(args[0])
			if err != nil {
				return err
			}
			if routingKey == "" {
				routingKey = source
			}
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			replayed, err := st.ReplayDeadLetters(ctx, args[0], domain.EventsExchange, routingKey, limit)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d message(s) from %s to %s\n", replayed, args[0], routingKey)
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum messages to replay")
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "Routing key to republish with (defaults to the source queue)")
	return cmd
}

func purgeCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <dlq>",
		Short: "Drop every message in a dead-letter queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := sourceFor(args[0]); err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to purge %s without --yes", args[0])
			}
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			purged, err := st.PurgeDeadLetters(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d message(s) from %s\n", purged, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the purge")
	return cmd
}

func (o *options) open() (deadLetterStore, error) {
	if strings.TrimSpace(o.amqpURL) == "" {
		return nil, fmt.Errorf("--amqp-url or RABBITMQ_URL is required")
	}
	return o.connect(o.amqpURL)
}

func sourceFor(queue string) (string, error) {
	source, ok := deadLetterSources[queue]
	if !ok {
		return "", fmt.Errorf("unknown dead-letter queue %q (expected %s or %s)", queue, domain.DeadLetterCustomerCreated, domain.DeadLetterProposalApproved)
	}
	return source, nil
}

func printDeadLetters(w io.Writer, letters []rabbitmq.DeadLetterMessage) error {
	if len(letters) == 0 {
		fmt.Fprintln(w, "no messages")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE ID\tROUTING KEY\tTIMESTAMP\tBODY")
	for _, l := range letters {
		body := string(l.Body)
		var compact map[string]interface{}
		if json.Unmarshal(l.Body, &compact) == nil {
			if b, err := json.Marshal(compact); err == nil {
				body = string(b)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.MessageID, l.RoutingKey, l.Timestamp.Format(time.RFC3339), body)
	}
	return tw.Flush()
}
