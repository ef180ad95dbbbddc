package itemdesk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// stubOpenAIClient returns canned embeddings and completions. The
// embedding for each text is derived from its length so similarity
// ordering in tests is deterministic.
type stubOpenAIClient struct {
	embedding  func(text string) []float32
	completion string

	chatRequests []openai.ChatCompletionRequest
}

func (s *stubOpenAIClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	s.chatRequests = append(s.chatRequests, request)
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Content: s.completion,
				},
			},
		},
	}, nil
}

func (s *stubOpenAIClient) CreateEmbeddings(
	_ context.Context,
	request openai.EmbeddingRequestConverter,
) (openai.EmbeddingResponse, error) {
	embeddingRequest, ok := request.(openai.EmbeddingRequest)
	if !ok {
		return openai.EmbeddingResponse{}, fmt.Errorf(
			"unexpected request type %T", request,
		)
	}
	texts, ok := embeddingRequest.Input.([]string)
	if !ok {
		return openai.EmbeddingResponse{}, fmt.Errorf(
			"unexpected input type %T", embeddingRequest.Input,
		)
	}
	response := openai.EmbeddingResponse{}
	for _, text := range texts {
		response.Data = append(
			response.Data,
			openai.Embedding{Embedding: s.embedding(text)},
		)
	}
	return response, nil
}

func stubOpenAI(stub *stubOpenAIClient) *OpenAI {
	return &OpenAI{
		client: stub,
		config: &OpenAIConfig{
			ChatModel:      openai.GPT4oMini,
			EmbeddingModel: string(openai.SmallEmbedding3),
		},
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  slog.Default(),
	}
}

func TestSplitText(t *testing.T) {
	assert.Nil(t, splitText("", 10, 2))
	assert.Nil(t, splitText("   \n  ", 10, 2))
	assert.Equal(t, []string{"short"}, splitText("short", 10, 2))

	chunks := splitText(strings.Repeat("a", 25), 10, 3)
	require.Len(t, chunks, 4)
	for _, chunk := range chunks[:3] {
		assert.Len(t, chunk, 10)
	}
	// each chunk starts step=7 runes after the previous, so the last
	// starts at 21 and holds the remaining 4 runes
	assert.Len(t, chunks[3], 4)

	// overlap >= size is ignored rather than looping forever
	chunks = splitText(strings.Repeat("b", 12), 5, 5)
	require.Len(t, chunks, 3)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(
		t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9,
	)
	assert.InDelta(
		t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9,
	)
	assert.InDelta(
		t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9,
	)
	assert.Zero(t, cosineSimilarity(nil, []float32{1}))
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestValidDocType(t *testing.T) {
	for _, docType := range DocTypes() {
		assert.True(t, ValidDocType(string(docType)))
	}
	assert.False(t, ValidDocType("notes"))
	assert.False(t, ValidDocType(""))
}

func TestValidProjectName(t *testing.T) {
	assert.True(t, validProjectName("apollo"))
	assert.True(t, validProjectName("apollo-v2"))
	assert.False(t, validProjectName(""))
	assert.False(t, validProjectName("."))
	assert.False(t, validProjectName(".."))
	assert.False(t, validProjectName("../etc"))
	assert.False(t, validProjectName(`a\b`))
}

func TestDocStore_SaveAndListWithoutEmbeddings(t *testing.T) {
	store := newDocStore(t.TempDir(), nil, slog.Default())
	ctx := context.Background()

	projects, err := store.Projects()
	require.NoError(t, err)
	assert.Empty(t, projects)

	require.NoError(
		t,
		store.SaveDocument(ctx, "zephyr", DocTypeFAQ, "Q: how?\nA: so."),
	)
	require.NoError(
		t,
		store.SaveDocument(ctx, "apollo", DocTypeGuidelines, "Be kind."),
	)
	// replacing an existing slot doesn't create a new project
	require.NoError(
		t,
		store.SaveDocument(ctx, "apollo", DocTypeGuidelines, "Be kinder."),
	)

	projects, err = store.Projects()
	require.NoError(t, err)
	assert.Equal(t, []string{"apollo", "zephyr"}, projects)

	err = store.SaveDocument(ctx, "../apollo", DocTypeFAQ, "nope")
	assert.ErrorContains(t, err, "invalid project name")

	err = store.SaveDocument(ctx, "apollo", DocType("notes"), "nope")
	assert.ErrorContains(t, err, "invalid document type")
}

func TestDocStore_Search(t *testing.T) {
	stub := &stubOpenAIClient{
		embedding: func(text string) []float32 {
			// texts mentioning deployments line up with the question
			if strings.Contains(strings.ToLower(text), "deploy") {
				return []float32{1, 0}
			}
			return []float32{0, 1}
		},
	}
	store := newDocStore(t.TempDir(), stubOpenAI(stub), slog.Default())
	ctx := context.Background()

	// nothing indexed yet
	chunks, err := store.Search(ctx, "how do I deploy?", 2)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	require.NoError(
		t,
		store.SaveDocument(
			ctx, "apollo", DocTypeGuidelines, "Deploy from the main branch.",
		),
	)
	require.NoError(
		t,
		store.SaveDocument(
			ctx, "apollo", DocTypeFAQ, "Ask in the team channel.",
		),
	)
	require.NoError(
		t,
		store.SaveDocument(
			ctx, "zephyr", DocTypeDocumentation, "Deployments run nightly.",
		),
	)

	chunks, err = store.Search(ctx, "how do I deploy?", 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, chunk := range chunks {
		assert.Contains(t, strings.ToLower(chunk.Text), "deploy")
	}

	// topK <= 0 falls back to the default and still returns everything
	// indexed when there are fewer chunks than the default
	chunks, err = store.Search(ctx, "how do I deploy?", 0)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

func TestOpenAI_Answer(t *testing.T) {
	stub := &stubOpenAIClient{completion: "Deploy from main."}
	client := stubOpenAI(stub)

	answer, err := client.Answer(
		context.Background(),
		"how do I deploy?",
		[]string{"Deploy from the main branch."},
	)
	require.NoError(t, err)
	assert.Equal(t, "Deploy from main.", answer)

	require.Len(t, stub.chatRequests, 1)
	messages := stub.chatRequests[0].Messages
	require.Len(t, messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "[1] Deploy from the main branch.")
	assert.Equal(t, "how do I deploy?", messages[1].Content)
}

func TestOpenAI_Embed(t *testing.T) {
	stub := &stubOpenAIClient{
		embedding: func(string) []float32 { return []float32{1, 2, 3} },
	}
	client := stubOpenAI(stub)

	embeddings, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, embeddings)

	embeddings, err = client.Embed(
		context.Background(), []string{"a", "b"},
	)
	require.NoError(t, err)
	require.Len(t, embeddings, 2)
	assert.Equal(t, []float32{1, 2, 3}, embeddings[0])
}
