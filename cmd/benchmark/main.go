package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"finrag/config"
	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/embedding"
	"finrag/internal/adapter/retriever"
	"finrag/internal/adapter/store"
	"finrag/internal/domain"
)

func main() {
	indexPath := flag.String("index", ".", "Path to indexed directory")
	query := flag.String("q", "", "Query to test")
	ticker := flag.String("ticker", "", "Ticker filter")
	topK := flag.Int("k", 10, "Number of results")
	runs := flag.Int("runs", 20, "Repetitions for latency and determinism")
	flag.Parse()

	if *query == "" {
		fmt.Println("Usage: go run cmd/benchmark/main.go -index ./corpus -q \"query\"")
		fmt.Println("\nTests:")
		fmt.Println("  1. Embedding infrastructure (embedder version matches the index)")
		fmt.Println("  2. Semantic similarity (query vs dense results)")
		fmt.Println("  3. Hybrid retrieval latency and run-to-run determinism")
		os.Exit(1)
	}

	cfg, err := config.LoadFromDir(*indexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	st, err := store.NewBoltStore(config.IndexDBPath(*indexPath),
		store.WithBM25(analyzer.BM25{K1: cfg.Index.K1, B: cfg.Index.B}),
		store.WithLogger(zap.NewNop()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Embedder init failed: %v\n", err)
		os.Exit(1)
	}
	stored, err := st.EmbeddingVersion(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading index: %v\n", err)
		os.Exit(1)
	}
	if stored != embedder.Version() {
		fmt.Fprintf(os.Stderr, "Index built with %q, config selects %q - run 'finrag index --rebuild'\n", stored, embedder.Version())
		os.Exit(1)
	}

	stats, _ := st.Stats(ctx)
	filters := domain.Filters{Ticker: *ticker}

	fmt.Println("RETRIEVAL BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Chunks indexed: %d\n", stats.TotalChunks)
	fmt.Printf("Embedding: %s\n", embedder.Version())
	fmt.Println()

	fmt.Printf("Query: \"%s\"\n", *query)
	fmt.Println(strings.Repeat("-", 70))

	queryVec, err := embedder.Embed(ctx, []string{*query})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Embedding error: %v\n", err)
		os.Exit(1)
	}
	results, err := st.DenseSearch(ctx, queryVec[0], *topK, filters)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
		os.Exit(1)
	}
	if len(results) == 0 {
		fmt.Println("No dense matches.")
		os.Exit(1)
	}

	fmt.Printf("Top %d semantic matches:\n\n", len(results))
	totalScore := 0.0
	for i, r := range results {
		chunk, err := st.GetChunk(ctx, r.ChunkID)
		if err != nil {
			continue
		}
		preview := strings.ReplaceAll(chunk.Text, "\n", " ")
		if len(preview) > 150 {
			preview = preview[:150] + "..."
		}
		totalScore += r.Score

		rating := "LOW"
		if r.Score > 0.7 {
			rating = "HIGH"
		} else if r.Score > 0.5 {
			rating = "GOOD"
		} else if r.Score > 0.3 {
			rating = "OK"
		}

		fmt.Printf("%d. [%s %.3f] %s %s %s\n", i+1, rating, r.Score, chunk.ID, chunk.Ticker, chunk.Type)
		fmt.Printf("   %s\n\n", preview)
	}

	// hybrid path, uncached so every run does the full work
	hybrid := retriever.NewHybridRetriever(st, embedder, analyzer.NewTokenizer(cfg.Index.Stemming),
		retriever.WithRRFK(cfg.Retrieve.RRFK),
		retriever.WithCandidatePool(cfg.Retrieve.KDense, cfg.Retrieve.KSparse),
	)
	var (
		first     []string
		stable    = true
		latencies = make([]time.Duration, 0, *runs)
	)
	for i := 0; i < *runs; i++ {
		start := time.Now()
		cands, err := hybrid.Retrieve(ctx, *query, *topK, filters)
		latencies = append(latencies, time.Since(start))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Hybrid retrieval error: %v\n", err)
			os.Exit(1)
		}
		ids := make([]string, len(cands))
		for j, c := range cands {
			ids[j] = c.ChunkID
		}
		if i == 0 {
			first = ids
		} else if !reflect.DeepEqual(first, ids) {
			stable = false
		}
	}

	var total time.Duration
	worst := time.Duration(0)
	for _, l := range latencies {
		total += l
		worst = max(worst, l)
	}

	avgScore := totalScore / float64(len(results))
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("QUALITY METRICS:\n")
	fmt.Printf("  Average similarity: %.3f\n", avgScore)
	fmt.Printf("  Top-1 similarity:   %.3f\n", results[0].Score)
	fmt.Printf("  Hybrid latency:     avg %s, max %s over %d runs\n", total/time.Duration(len(latencies)), worst, len(latencies))
	fmt.Printf("  Deterministic:      %v\n", stable)

	if avgScore > 0.5 {
		fmt.Println("  Status: GOOD - semantic search working well")
	} else if avgScore > 0.3 {
		fmt.Println("  Status: OK - results are somewhat related")
	} else {
		fmt.Println("  Status: POOR - may need better embeddings or re-indexing")
	}
	if !stable {
		os.Exit(2)
	}
}
