package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"docchat/internal/document"
	"docchat/internal/rag"
)

func runRAG(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	rt, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()

	in, out := stdinOut()
	ix, err := buildIndex(cmd.Context(), rt, path, out)
	if err != nil {
		return fmt.Errorf("build document index failed: %w", err)
	}
	color.New(color.FgGreen).Fprintf(out, "\n✅ Loaded + embedded: %s\n\n", filepath.Base(path))

	return converse(cmd.Context(), rt, "rag-cli-session", ix, in, out)
}

// buildIndex runs the ingestion steps with progress output.
func buildIndex(ctx context.Context, rt *cliEnv, path string, out io.Writer) (*rag.Index, error) {
	fmt.Fprintln(out, "\n[1/4] Reading file...")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "      Size: %.2f MB\n", float64(len(data))/(1024*1024))

	fmt.Fprintln(out, "[2/4] Extracting text...")
	text, err := document.Extract(data, filepath.Base(path))
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "      Extracted: %d characters\n", len([]rune(text)))
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("no text extracted from document (a PDF may be scanned or image-only)")
	}

	fmt.Fprintln(out, "[3/4] Chunking text...")
	size, overlap := rt.cfg.RAG.ChunkSize, rt.cfg.RAG.ChunkOverlap
	chunks, err := rag.NewChunker(size, overlap).Split(text)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "      Chunks: %d (chunk_size=%d, overlap=%d)\n", len(chunks), size, overlap)

	fmt.Fprintln(out, "[4/4] Creating embeddings...")
	start := time.Now()
	ix, err := rag.Builder{
		Embedder:    rt.embed,
		BatchSize:   rt.cfg.RAG.EmbeddingBatchSize,
		Concurrency: rt.cfg.RAG.EmbeddingConcurrency,
	}.Build(ctx, chunks)
	fmt.Fprintf(out, "      Done. Time: %.1fs\n", time.Since(start).Seconds())
	return ix, err
}
