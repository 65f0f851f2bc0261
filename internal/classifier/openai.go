package classifier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the chat-completion classifier.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // empty uses the OpenAI default
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:       openai.GPT4oMini,
		Temperature: 0.7,
		MaxTokens:   1000,
		Timeout:     30 * time.Second,
	}
}

// OpenAIClassifier asks an OpenAI-compatible chat model for speculative
// token names.
type OpenAIClassifier struct {
	config OpenAIConfig
	client *openai.Client

	requests atomic.Int64
	failures atomic.Int64
}

var _ Classifier = (*OpenAIClassifier)(nil)

// NewOpenAIClassifier creates the classifier. No network I/O.
func NewOpenAIClassifier(config OpenAIConfig) *OpenAIClassifier {
	def := DefaultOpenAIConfig()
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.Temperature == 0 {
		config.Temperature = def.Temperature
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = def.MaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	cc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cc.BaseURL = config.BaseURL
	}
	return &OpenAIClassifier{
		config: config,
		client: openai.NewClientWithConfig(cc),
	}
}

func (c *OpenAIClassifier) Name() string { return "openai:" + c.config.Model }

const systemPrompt = `You are a crypto market analyst who specialises in spotting newly launched and small-cap tokens.
You know meme naming patterns, hype and marketing tactics, presale mechanics and community-driven virality.
Help identify tokens the given content may be about.`

const userPromptTemplate = `Analyse this post and identify tokens it may drive speculation on.

Post:
%s

Consider direct mentions (token names or tickers, prices, exchanges), influencers and trending topics,
meme elements with viral potential, and the likely market sentiment.

Reply with JSON only, in this shape:
{"speculate_result": [{"token_name": "NAME", "reason": "why", "key_elements": ["element"]}]}

Rules:
1. token_name is a single word with no pair suffix (BTC-USDT -> BTC) and no added "Token" or "Coin".
2. Order by likelihood, at most 3 entries.
3. Exclude majors and large-exchange listings (BTC, ETH, USDT, SOL, TON, DOGE, XRP, BCH, LTC, BNB).
4. "@name" handles are users, not tokens.
5. If nothing is reasonably certain, or the post only discusses majors or the market, return an empty list.`

// Classify sends text to the model and parses the reply.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) ([]Speculation, error) {
	c.requests.Add(1)
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(userPromptTemplate, text)},
		},
	})
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("classifier: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		c.failures.Add(1)
		return nil, fmt.Errorf("classifier: empty choices: %w", ErrUnparsable)
	}

	reply := resp.Choices[0].Message.Content
	specs, err := ParseReply(reply)
	if err != nil {
		c.failures.Add(1)
		log.Warn().Err(err).Int("reply_len", len(reply)).Msg("classifier: reply rejected")
		return nil, err
	}

	log.Info().
		Strs("symbols", Symbols(specs)).
		Dur("took", time.Since(start)).
		Int("tokens_used", resp.Usage.TotalTokens).
		Msg("classifier: message classified")
	return specs, nil
}

// Stats returns request counters.
type Stats struct {
	Name     string `json:"name"`
	Requests int64  `json:"requests"`
	Failures int64  `json:"failures"`
}

func (c *OpenAIClassifier) Stats() Stats {
	return Stats{Name: c.Name(), Requests: c.requests.Load(), Failures: c.failures.Load()}
}
