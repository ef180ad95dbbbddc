package itemdesk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// DocType identifies one of the per-project document slots. Uploading
// a document of the same type replaces the previous one.
type DocType string

const (
	DocTypeGuidelines    DocType = "guidelines"
	DocTypeFAQ           DocType = "faq"
	DocTypeDocumentation DocType = "documentation"
)

const (
	docChunkSize    = 1000
	docChunkOverlap = 200

	docFileExtension = ".md"
	docIndexFilename = "index.json"
)

// DocTypes lists every valid document type.
func DocTypes() []DocType {
	return []DocType{DocTypeGuidelines, DocTypeFAQ, DocTypeDocumentation}
}

// ValidDocType reports whether s names a known document type.
func ValidDocType(s string) bool {
	switch DocType(s) {
	case DocTypeGuidelines, DocTypeFAQ, DocTypeDocumentation:
		return true
	default:
		return false
	}
}

// documentChunk is one indexed slice of an uploaded document, stored
// alongside its embedding in the project's index file.
type documentChunk struct {
	Project   string    `json:"project"`
	DocType   DocType   `json:"doc_type"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

// DocStore holds uploaded project documents on disk, one directory per
// project with one markdown file per document type, plus a JSON
// embedding index used for retrieval. All operations are safe for
// concurrent use.
type DocStore struct {
	root   string
	openai *OpenAI
	logger *slog.Logger

	mu sync.RWMutex
}

func newDocStore(dataDir string, client *OpenAI, logger *slog.Logger) *DocStore {
	return &DocStore{
		root:   filepath.Join(dataDir, "projects"),
		openai: client,
		logger: logger.With(loggerNameKey, "doc_store"),
	}
}

// validProjectName rejects names that would escape the store's root
// directory.
func validProjectName(project string) bool {
	if project == "" || project == "." || project == ".." {
		return false
	}
	return !strings.ContainsAny(project, `/\`)
}

// SaveDocument writes (or replaces) a project's document of the given
// type and rebuilds the project's embedding index.
func (d *DocStore) SaveDocument(
	ctx context.Context,
	project string,
	docType DocType,
	content string,
) error {
	if !validProjectName(project) {
		return fmt.Errorf("invalid project name: %q", project)
	}
	if !ValidDocType(string(docType)) {
		return fmt.Errorf("invalid document type: %q", docType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	projectDir := filepath.Join(d.root, project)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("error creating project directory: %w", err)
	}

	docPath := filepath.Join(projectDir, string(docType)+docFileExtension)
	if err := os.WriteFile(docPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("error writing document: %w", err)
	}
	d.logger.Info(
		"saved document",
		"project", project,
		"doc_type", docType,
		"size", len(content),
	)

	return d.reindexProject(ctx, project)
}

// Projects lists projects that have at least one uploaded document, in
// lexical order.
func (d *DocStore) Projects() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := os.ReadDir(d.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var projects []string
	for _, entry := range entries {
		if entry.IsDir() {
			projects = append(projects, entry.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// Search embeds the question and returns the top-k most similar
// document chunks across all projects. Returns no results when
// nothing has been indexed yet.
func (d *DocStore) Search(
	ctx context.Context,
	question string,
	topK int,
) ([]documentChunk, error) {
	if topK <= 0 {
		topK = DefaultOpenAIRetrievalTopK
	}

	chunks, err := d.allChunks()
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	embeddings, err := d.openai.Embed(ctx, []string{question})
	if err != nil {
		return nil, err
	}
	query := embeddings[0]

	sort.SliceStable(
		chunks, func(i, j int) bool {
			return cosineSimilarity(chunks[i].Embedding, query) >
				cosineSimilarity(chunks[j].Embedding, query)
		},
	)
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

func (d *DocStore) allChunks() ([]documentChunk, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := os.ReadDir(d.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var chunks []documentChunk
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		indexPath := filepath.Join(d.root, entry.Name(), docIndexFilename)
		data, readErr := os.ReadFile(indexPath)
		if os.IsNotExist(readErr) {
			continue
		}
		if readErr != nil {
			return nil, readErr
		}
		var projectChunks []documentChunk
		if unmarshalErr := json.Unmarshal(data, &projectChunks); unmarshalErr != nil {
			d.logger.Warn(
				"skipping corrupt index",
				tint.Err(unmarshalErr),
				"project", entry.Name(),
			)
			continue
		}
		chunks = append(chunks, projectChunks...)
	}
	return chunks, nil
}

// reindexProject re-chunks and re-embeds every document the project
// has, replacing its index file. Callers must hold d.mu.
func (d *DocStore) reindexProject(ctx context.Context, project string) error {
	projectDir := filepath.Join(d.root, project)

	var chunks []documentChunk
	var texts []string
	for _, docType := range DocTypes() {
		docPath := filepath.Join(
			projectDir, string(docType)+docFileExtension,
		)
		data, err := os.ReadFile(docPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		for _, text := range splitText(
			string(data), docChunkSize, docChunkOverlap,
		) {
			chunks = append(
				chunks, documentChunk{
					Project: project,
					DocType: docType,
					Text:    text,
				},
			)
			texts = append(texts, text)
		}
	}

	if d.openai != nil && len(texts) > 0 {
		embeddings, err := d.openai.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("error embedding document chunks: %w", err)
		}
		for i := range chunks {
			chunks[i].Embedding = embeddings[i]
		}
	}

	data, err := json.Marshal(chunks)
	if err != nil {
		return err
	}
	indexPath := filepath.Join(projectDir, docIndexFilename)
	if err = os.WriteFile(indexPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing index: %w", err)
	}
	d.logger.Info(
		"reindexed project",
		"project", project,
		"chunk_count", len(chunks),
	)
	return nil
}

// splitText slices text into chunks of at most size runes, each chunk
// overlapping the previous by overlap runes. Short inputs come back as
// a single chunk.
func splitText(text string, size int, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = docChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// cosineSimilarity between two vectors. Mismatched or empty vectors
// score zero.
func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
