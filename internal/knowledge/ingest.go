package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/finbuddyhq/finbuddy/internal/logging"
)

// docMeta is the optional YAML frontmatter at the top of a knowledge
// document.
type docMeta struct {
	Title string   `yaml:"title"`
	Topic string   `yaml:"topic"`
	Tags  []string `yaml:"tags"`
}

// IngestResult summarizes one ingest run.
type IngestResult struct {
	Documents int
	Chunks    int
	Embedded  int
	Skipped   []string
}

// Ingestor loads markdown documents from a directory into the store.
// Embedding is optional; when no embedder is configured chunks are stored
// keyword-only.
type Ingestor struct {
	store     *Store
	embedder  Embedder
	chunkSize int
}

func NewIngestor(store *Store, embedder Embedder, chunkSize int) *Ingestor {
	return &Ingestor{store: store, embedder: embedder, chunkSize: chunkSize}
}

// IngestDir walks docsDir and ingests every markdown file found. Files that
// fail to parse are skipped and reported, not fatal.
func (g *Ingestor) IngestDir(ctx context.Context, docsDir string) (IngestResult, error) {
	log := logging.Component("knowledge")

	info, err := os.Stat(docsDir)
	if err != nil {
		return IngestResult{}, fmt.Errorf("docs dir: %w", err)
	}
	if !info.IsDir() {
		return IngestResult{}, fmt.Errorf("docs dir: %s is not a directory", docsDir)
	}

	var result IngestResult
	walkErr := filepath.WalkDir(docsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		chunks, embedded, ingestErr := g.ingestFile(ctx, path)
		if ingestErr != nil {
			log.Warn().Err(ingestErr).Str("path", path).Msg("skipping document")
			result.Skipped = append(result.Skipped, path)
			return nil
		}

		result.Documents++
		result.Chunks += chunks
		result.Embedded += embedded
		log.Info().Str("path", path).Int("chunks", chunks).Msg("document ingested")
		return nil
	})
	if walkErr != nil {
		return result, fmt.Errorf("walk docs dir: %w", walkErr)
	}

	return result, nil
}

func (g *Ingestor) ingestFile(ctx context.Context, path string) (chunkCount, embeddedCount int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read document: %w", err)
	}

	meta, body := parseFrontmatter(string(raw))

	name := strings.TrimSpace(meta.Title)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	texts := ChunkText(body, g.chunkSize)
	if len(texts) == 0 {
		return 0, 0, fmt.Errorf("document has no content")
	}

	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{Seq: i, Content: text}
	}

	if g.embedder != nil {
		vectors, embedErr := g.embedder.EmbedBatch(ctx, texts)
		if embedErr != nil {
			// Keyword search still works without vectors.
			logger := logging.Component("knowledge")
			logger.Warn().Err(embedErr).Str("path", path).Msg("embedding failed, storing keyword-only")
		} else {
			for i := range chunks {
				chunks[i].Embedding = vectors[i]
			}
			embeddedCount = len(chunks)
		}
	}

	doc := Document{Name: name, Source: path, Topic: strings.TrimSpace(meta.Topic)}
	if _, err := g.store.ReplaceDocument(doc, chunks); err != nil {
		return 0, 0, err
	}

	return len(chunks), embeddedCount, nil
}

// parseFrontmatter splits an optional YAML frontmatter block from the
// document body. Documents without a leading "---" line are all body.
func parseFrontmatter(content string) (docMeta, string) {
	var meta docMeta

	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return meta, content
	}

	closing := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closing = i
			break
		}
	}
	if closing == -1 {
		return meta, content
	}

	yamlBlock := strings.Join(lines[1:closing], "\n")
	if err := yaml.Unmarshal([]byte(yamlBlock), &meta); err != nil {
		return docMeta{}, content
	}

	return meta, strings.Join(lines[closing+1:], "\n")
}
