package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/app"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/config"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

type submitFlags struct {
	jobType   string
	params    string
	notBefore string
}

func newSubmitCmd() *cobra.Command {
	var flags submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publishes one job to the broker",
		Example: `  pipeline submit --type api --params '{"url":"https://example.com/prices.json"}'
  pipeline submit --type scrape --params '{"url":"https://shop.example/milk"}' --not-before 2025-01-01T00:00:00Z`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.Broker.Kind != config.BrokerAMQP {
				return fmt.Errorf("submit needs a shared broker; broker.kind is %q", e.cfg.Broker.Kind)
			}
			sub, err := flags.submission()
			if err != nil {
				return err
			}
			id, err := uuid.New().NewID()
			if err != nil {
				return fmt.Errorf("generate job id: %w", err)
			}
			job, err := pipeline.NewJob(id, sub, system.New().Now())
			if err != nil {
				return fmt.Errorf("invalid job: %w", err)
			}

			q, closeQueue, err := app.NewQueue(cmd.Context(), e.cfg.Broker, e.logger.Named("queue"))
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeQueue(); cerr != nil {
					e.logger.Warn("close queue failed", zap.Error(cerr))
				}
			}()
			if err := q.Publish(cmd.Context(), job); err != nil {
				return fmt.Errorf("publish job: %w", err)
			}
			e.logger.Info("job submitted", zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)))
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.jobType, "type", "", "job type: api or scrape")
	cmd.Flags().StringVar(&flags.params, "params", "{}", "job parameters as a JSON object")
	cmd.Flags().StringVar(&flags.notBefore, "not-before", "", "earliest processing time (RFC 3339)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (f submitFlags) submission() (pipeline.Submission, error) {
	sub := pipeline.Submission{Type: pipeline.JobType(f.jobType)}
	if !sub.Type.Valid() {
		return sub, fmt.Errorf("unknown job type %q", f.jobType)
	}
	if err := json.Unmarshal([]byte(f.params), &sub.Payload); err != nil {
		return sub, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	if f.notBefore != "" {
		t, err := time.Parse(time.RFC3339, f.notBefore)
		if err != nil {
			return sub, fmt.Errorf("--not-before: %w", err)
		}
		sub.NotBefore = &t
	}
	return sub, nil
}
