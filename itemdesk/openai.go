package itemdesk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const answerSystemPrompt = `You are a helpful assistant for a development team.
Answer questions using the provided project documentation excerpts.
If the excerpts don't contain the answer, say you don't know rather
than guessing.`

// OpenAIClient covers the OpenAI API surface the bot uses, so tests
// can substitute a stub.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(
		ctx context.Context,
		request openai.EmbeddingRequestConverter,
	) (openai.EmbeddingResponse, error)
}

// OpenAI wraps the OpenAI client with the bot's rate limit and model
// configuration.
type OpenAI struct {
	client  OpenAIClient
	config  *OpenAIConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newOpenAI(config *OpenAIConfig, logger *slog.Logger) *OpenAI {
	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	return &OpenAI{
		client:  openai.NewClient(config.Token),
		config:  config,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With(loggerNameKey, "openai"),
	}
}

// Embed returns one embedding vector per input text, in input order.
func (o *OpenAI) Embed(
	ctx context.Context,
	texts []string,
) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := o.client.CreateEmbeddings(
		ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(o.config.EmbeddingModel),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating embeddings: %w", err)
	}
	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf(
			"embedding count mismatch: sent %d texts, got %d embeddings",
			len(texts),
			len(response.Data),
		)
	}

	embeddings := make([][]float32, len(response.Data))
	for i, data := range response.Data {
		embeddings[i] = data.Embedding
	}
	return embeddings, nil
}

// Answer runs a chat completion over the question, grounding the
// prompt in the given documentation excerpts.
func (o *OpenAI) Answer(
	ctx context.Context,
	question string,
	excerpts []string,
) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}

	systemPrompt := answerSystemPrompt
	if len(excerpts) > 0 {
		var sb strings.Builder
		sb.WriteString(systemPrompt)
		sb.WriteString("\n\nDocumentation excerpts:\n")
		for i, excerpt := range excerpts {
			sb.WriteString(fmt.Sprintf("\n[%d] %s\n", i+1, excerpt))
		}
		systemPrompt = sb.String()
	}

	response, err := o.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model: o.config.ChatModel,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: question,
				},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	o.logger.Info(
		"answered question",
		"model", o.config.ChatModel,
		"prompt_tokens", response.Usage.PromptTokens,
		"completion_tokens", response.Usage.CompletionTokens,
	)
	return response.Choices[0].Message.Content, nil
}
