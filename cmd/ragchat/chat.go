package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/agent"
	"github.com/edgeintel/ragchat/internal/cache"
	"github.com/edgeintel/ragchat/internal/metrics"
	"github.com/edgeintel/ragchat/internal/server"
	"github.com/edgeintel/ragchat/internal/telemetry"
	"github.com/edgeintel/ragchat/llm/openaicompat"
	"github.com/edgeintel/ragchat/retrieval"
	"github.com/edgeintel/ragchat/types"
)

func runChat(args []string) {
	cfg := loadConfig(args, "chat")

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting ragchat",
		zap.String("version", Version),
		zap.String("model", cfg.LLM.Model),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProviders.Shutdown(ctx)
	}()

	collector := metrics.NewCollector("ragchat", logger)
	provider := openaicompat.New(cfg.LLM, logger).WithMetrics(collector)

	var embedder retrieval.Embedder = retrieval.NewTEIEmbedder(
		cfg.Retrieval.Chroma.EmbedURL, cfg.Retrieval.Chroma.Timeout, logger)
	var embedCache *cache.Manager
	if cfg.Retrieval.EmbedCache.Enabled {
		embedCache = cache.NewManager(cache.Config{
			Addr:     cfg.Retrieval.EmbedCache.Addr,
			Password: cfg.Retrieval.EmbedCache.Password,
			DB:       cfg.Retrieval.EmbedCache.DB,
			TTL:      cfg.Retrieval.EmbedCache.TTL,
		}, logger)
		defer embedCache.Close()
		embedder = retrieval.NewCachedEmbedder(embedder, embedCache)
	}

	vector := retrieval.NewChromaStore(cfg.Retrieval.Chroma, cfg.Retrieval.DefaultCorpusID, embedder, logger)
	keyword := retrieval.NewRedisKeywordStore(cfg.Retrieval.Keyword, cfg.Retrieval.DefaultCorpusID, logger)
	defer keyword.Close()
	reranker := retrieval.NewReranker(cfg.Retrieval.Reranker, logger).WithMetrics(collector)

	hybrid := retrieval.NewHybrid(vector, keyword, reranker, cfg.Retrieval, logger).WithMetrics(collector)
	tool := agent.NewDocumentRetriever(hybrid)
	a := agent.New(provider, tool, *cfg, collector, logger)

	if cfg.Server.Addr != "" {
		checks := map[string]server.HealthChecker{
			"llm": func(ctx context.Context) error {
				_, err := provider.HealthCheck(ctx)
				return err
			},
		}
		if embedCache != nil {
			checks["embed_cache"] = embedCache.Ping
		}
		ops := server.NewManager(cfg.Server, checks, logger)
		if err := ops.Start(); err != nil {
			logger.Warn("ops server failed to start", zap.Error(err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ops.Shutdown(ctx)
			}()
		}
	}

	repl(a, logger)
}

func repl(a *agent.Agent, logger *zap.Logger) {
	in := bufio.NewReader(os.Stdin)

	userID := prompt(in, "User ID", "local")
	mode := promptMode(in)
	var files []string
	if mode != types.SearchShared {
		raw := prompt(in, "Files (comma separated)", "")
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
	}

	fmt.Println(`Type your message. "exit" quits, "reset" clears the conversation.`)
	for {
		fmt.Print("\n> ")
		line, err := in.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return
		case "reset":
			a.Reset()
			fmt.Println("Conversation cleared.")
			continue
		}

		resp, err := a.Turn(context.Background(), agent.TurnRequest{
			Message: line,
			UserID:  userID,
			Mode:    mode,
			Files:   files,
			Stream:  true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Turn failed: %v\n", err)
			continue
		}

		for chunk := range resp.Chunks() {
			fmt.Print(chunk)
		}
		fmt.Println()
		if err := resp.Err(); err != nil {
			logger.Warn("stream ended with error", zap.Error(err))
		}
	}
}

func prompt(in *bufio.Reader, label, fallback string) string {
	if fallback != "" {
		fmt.Printf("%s [%s]: ", label, fallback)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := in.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return fallback
	}
	return line
}

func promptMode(in *bufio.Reader) types.SearchMode {
	for {
		raw := prompt(in, "Search mode (0=shared corpus, 1=your files, 2=both)", "0")
		n, err := strconv.Atoi(raw)
		if err == nil && types.SearchMode(n).Valid() {
			return types.SearchMode(n)
		}
		fmt.Println("Please enter 0, 1, or 2.")
	}
}
