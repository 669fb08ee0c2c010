package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

var (
	pipelineAgents = []string{"content", "render", "qa", "delivery", "pricing"}
	agentTools     = map[string][]string{
		"content":  {"outline", "draft", "summarize"},
		"render":   {"compose", "transcode", "thumbnail"},
		"qa":       {"lint", "factcheck"},
		"delivery": {"upload", "publish"},
		"pricing":  {"quote", "discount"},
	}
	eventMessages = []string{
		"Step completed",
		"Cache miss",
		"Retrying upstream call",
		"Rate limit exceeded",
		"Asset written",
	}
	errorMessages = []string{
		"Upstream request timed out",
		"Render job %d failed",
		"Invalid response from model",
		"Permission denied",
	}
)

// GeneratorConfig configures a Generator
type GeneratorConfig struct {
	URL       string
	Rate      int
	BatchSize int
	Duration  time.Duration
	Workers   int
	Seed      int64
}

// GeneratorStats summarizes a generator run
type GeneratorStats struct {
	Sent    int
	Failed  int
	Events  int
	Elapsed time.Duration
}

// Generator posts synthetic pipeline log packets to a diagnostics service.
type Generator struct {
	config GeneratorConfig
	client *http.Client
	logger *slog.Logger
}

// NewGenerator creates a new log generator
func NewGenerator(config GeneratorConfig, logger *slog.Logger) *Generator {
	if config.Workers <= 0 {
		config.Workers = 10
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 5
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}
	return &Generator{
		config: config,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Run sends Rate packets per second for Duration, spread across the
// workers, and stops early when ctx is cancelled.
func (g *Generator) Run(ctx context.Context) GeneratorStats {
	totalPackets := int(g.config.Duration.Seconds() * float64(g.config.Rate))
	if totalPackets < 1 {
		totalPackets = 1
	}
	perWorker := totalPackets / g.config.Workers
	extra := totalPackets % g.config.Workers
	interval := time.Duration(float64(time.Second) * float64(g.config.Workers) / float64(max(g.config.Rate, 1)))

	g.logger.Info("Starting log generator",
		"rate", g.config.Rate, "batch", g.config.BatchSize, "duration", g.config.Duration, "url", g.config.URL)

	resultCh := make(chan bool, totalPackets)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < g.config.Workers; i++ {
		count := perWorker
		if i < extra {
			count++
		}
		if count == 0 {
			continue
		}
		wg.Add(1)
		go g.generatorWorker(ctx, &wg, rand.New(rand.NewSource(g.config.Seed+int64(i))), count, interval, resultCh)
	}
	wg.Wait()
	close(resultCh)

	var stats GeneratorStats
	for ok := range resultCh {
		if ok {
			stats.Sent++
		} else {
			stats.Failed++
		}
	}
	stats.Events = stats.Sent * g.config.BatchSize
	stats.Elapsed = time.Since(start)

	g.logger.Info("Generator completed",
		"elapsed", stats.Elapsed, "sent", stats.Sent, "failed", stats.Failed, "events", stats.Events)
	return stats
}

func (g *Generator) generatorWorker(ctx context.Context, wg *sync.WaitGroup, rng *rand.Rand, count int, interval time.Duration, resultCh chan<- bool) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < count; i++ {
		resultCh <- g.sendPacket(ctx, g.generatePacket(rng))
		if i == count-1 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Generator) sendPacket(ctx context.Context, packet *models.LogPacket) bool {
	payload, err := json.Marshal(packet)
	if err != nil {
		g.logger.Error("Marshal packet", "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.URL+"/api/v1/logs/batch", bytes.NewReader(payload))
	if err != nil {
		g.logger.Error("Create request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("Send packet", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK
}

// generatePacket builds one packet for a random agent. Events share a
// correlation id so they form one trace.
func (g *Generator) generatePacket(rng *rand.Rand) *models.LogPacket {
	agent := pipelineAgents[rng.Intn(len(pipelineAgents))]
	tools := agentTools[agent]
	correlationID := uuid.NewString()
	now := time.Now()

	packet := &models.LogPacket{
		AgentID: agent,
		SentAt:  now,
		Events:  make([]models.LogEvent, g.config.BatchSize),
	}

	for i := range packet.Events {
		level, message := randomLevel(rng)
		tool := tools[rng.Intn(len(tools))]
		if level == models.Error {
			message = errorMessages[rng.Intn(len(errorMessages))]
			if strings.Contains(message, "%d") {
				message = fmt.Sprintf(message, rng.Intn(1000))
			}
		}

		details := map[string]interface{}{
			"duration":  float64(20 + rng.Intn(2000)),
			"userId":    fmt.Sprintf("user-%d", rng.Intn(1000)),
			"operation": tool,
		}
		if level == models.Error && rng.Float64() < 0.2 {
			details["errorLevel"] = string(models.ErrorLevelCritical)
		}

		packet.Events[i] = models.LogEvent{
			ID:            uuid.NewString(),
			Timestamp:     now.Add(-time.Duration(rng.Intn(60)) * time.Second),
			Level:         level,
			Message:       message,
			Agent:         agent,
			Tool:          tool,
			CorrelationID: correlationID,
			Details:       details,
		}
	}
	return packet
}

func randomLevel(rng *rand.Rand) (models.LogLevel, string) {
	message := eventMessages[rng.Intn(len(eventMessages))]
	r := rng.Float64()
	switch {
	case r < 0.15:
		return models.Debug, message
	case r < 0.75:
		return models.Info, message
	case r < 0.9:
		return models.Warn, message
	default:
		return models.Error, message
	}
}

// newGenerateCmd creates the "diagnostics generate" subcommand.
func newGenerateCmd(g *globalFlags) *cobra.Command {
	var cfg GeneratorConfig

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Send synthetic agent log packets to a diagnostics service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, err := g.load("generator")
			if err != nil {
				return err
			}
			stats := NewGenerator(cfg, logger).Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "sent=%d failed=%d events=%d elapsed=%s\n",
				stats.Sent, stats.Failed, stats.Events, stats.Elapsed.Round(time.Millisecond))
			if stats.Sent == 0 {
				return fmt.Errorf("no packets accepted by %s", cfg.URL)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.URL, "url", "http://localhost:8080", "diagnostics service URL")
	cmd.Flags().IntVar(&cfg.Rate, "rate", 10, "packets per second")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch", 5, "events per packet")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 30*time.Second, "how long to generate")
	cmd.Flags().IntVar(&cfg.Workers, "workers", 10, "concurrent senders")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 0, "random seed (0 uses the clock)")
	return cmd
}
