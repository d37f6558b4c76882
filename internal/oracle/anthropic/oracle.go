// Package anthropic classifies item text with the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/monitor"
)

const defaultModel = "claude-sonnet-4-5-20250929"

// Config selects the model and credentials.
type Config struct {
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	BaseURL    string        `mapstructure:"base_url"`
	MaxTokens  int64         `mapstructure:"max_tokens"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Categories []string      `mapstructure:"categories"`
}

// Waiter blocks until the named bucket has capacity.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Oracle implements monitor.Oracle.
type Oracle struct {
	client anthropic.Client
	cfg    Config
	waiter Waiter
	clock  monitor.Clock
	logger *zap.Logger
}

var _ monitor.Oracle = (*Oracle)(nil)

// New builds an oracle. waiter may be nil.
func New(cfg Config, waiter Waiter, clk monitor.Clock, logger *zap.Logger) (*Oracle, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("oracle.api_key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = []string{"news", "opinion", "misinformation", "harassment", "threat", "spam", "other"}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Oracle{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		waiter: waiter,
		clock:  clk,
		logger: logger.Named("oracle"),
	}, nil
}

// Classify asks the model for a JSON verdict on text.
func (o *Oracle) Classify(ctx context.Context, text string, hints monitor.ClassifyContext) (monitor.Classification, error) {
	if o.waiter != nil {
		if err := o.waiter.Wait(ctx, "oracle"); err != nil {
			return monitor.Classification{}, fmt.Errorf("%w: wait for capacity: %w", monitor.ErrOracle, err)
		}
	}
	message, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(o.cfg.Model),
		MaxTokens: o.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: o.systemPrompt(), CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(text, hints))),
		},
	})
	if err != nil {
		return monitor.Classification{}, fmt.Errorf("%w: messages api: %w", monitor.ErrOracle, err)
	}

	var body string
	for _, block := range message.Content {
		if block.Type == "text" {
			body = block.Text
			break
		}
	}
	if body == "" {
		return monitor.Classification{}, fmt.Errorf("%w: no text content in response", monitor.ErrOracle)
	}
	c, err := parseVerdict(body)
	if err != nil {
		return monitor.Classification{}, fmt.Errorf("%w: %w", monitor.ErrOracle, err)
	}
	c.Model = string(message.Model)
	if c.Model == "" {
		c.Model = o.cfg.Model
	}
	if o.clock != nil {
		c.ClassifiedAt = o.clock.Now()
	}
	o.logger.Debug("classified",
		zap.String("item_id", hints.ItemID),
		zap.String("category", c.Category),
		zap.String("threat", string(c.Threat.Level)),
		zap.Int64("tokens_in", message.Usage.InputTokens),
		zap.Int64("tokens_out", message.Usage.OutputTokens),
	)
	return c, nil
}

func (o *Oracle) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You label social media posts for a campaign monitoring team.\n")
	b.WriteString("Reply with one JSON object and nothing else, shaped as:\n")
	b.WriteString(`{"category": string, "confidence": number 0..1, "sentiment": {"label": "positive"|"neutral"|"negative", "score": number -1..1}, `)
	b.WriteString(`"threat_assessment": {"level": "none"|"low"|"medium"|"high"|"critical", "score": number 0..1}, "recommendations": [string]}`)
	b.WriteString("\nAllowed categories: ")
	b.WriteString(strings.Join(o.cfg.Categories, ", "))
	b.WriteString(".")
	return b.String()
}

func userPrompt(text string, hints monitor.ClassifyContext) string {
	var b strings.Builder
	if hints.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", hints.Author)
	}
	if hints.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", hints.Language)
	}
	if hints.SearchTerm != "" {
		fmt.Fprintf(&b, "Found via search: %s\n", hints.SearchTerm)
	}
	if len(hints.Topics) > 0 {
		fmt.Fprintf(&b, "Campaign topics: %s\n", strings.Join(hints.Topics, ", "))
	}
	b.WriteString("Post:\n")
	b.WriteString(text)
	return b.String()
}

type verdict struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Sentiment  struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	} `json:"sentiment"`
	Threat struct {
		Level string  `json:"level"`
		Score float64 `json:"score"`
	} `json:"threat_assessment"`
	Recommendations []string `json:"recommendations"`
}

func parseVerdict(raw string) (monitor.Classification, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if i, j := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); i >= 0 && j > i {
		raw = raw[i : j+1]
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return monitor.Classification{}, fmt.Errorf("decode verdict: %w", err)
	}
	if strings.TrimSpace(v.Category) == "" {
		return monitor.Classification{}, errors.New("decode verdict: missing category")
	}
	level := monitor.ThreatLevel(strings.ToLower(strings.TrimSpace(v.Threat.Level)))
	if level.Rank() < 0 {
		level = monitor.ThreatNone
	}
	return monitor.Classification{
		Category:   strings.ToLower(strings.TrimSpace(v.Category)),
		Confidence: clamp(v.Confidence, 0, 1),
		Sentiment: monitor.Sentiment{
			Label: strings.ToLower(v.Sentiment.Label),
			Score: clamp(v.Sentiment.Score, -1, 1),
		},
		Threat:          monitor.ThreatAssessment{Level: level, Score: clamp(v.Threat.Score, 0, 1)},
		Recommendations: v.Recommendations,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
