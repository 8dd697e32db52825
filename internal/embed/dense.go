// Package embed turns chunk text into vectors. The dense embedder calls the
// OpenAI embeddings API with batch splitting, pacing, and a bounded number of
// in-flight requests; the sparse embedder computes BM25 term weights locally.
package embed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
)

const (
	// maxTextsPerRequest and maxTokensPerRequest are the OpenAI batch
	// limits; batches over either split recursively.
	maxTextsPerRequest  = 2048
	maxTokensPerRequest = 300_000
	// maxTokensPerText is the per-input ceiling; longer texts embed as
	// zero vectors instead of failing the sync.
	maxTokensPerText = 8191

	// maxInflightRequests bounds concurrent API calls per embedder.
	maxInflightRequests = 10

	embedEncoding = "cl100k_base"
)

// modelForVectorSize maps a collection's vector size onto the embedding
// model. 768 uses Matryoshka-style truncation of the large model.
func modelForVectorSize(size int) (openai.EmbeddingModel, int, error) {
	switch size {
	case 3072:
		return openai.LargeEmbedding3, 0, nil
	case 1536:
		return openai.SmallEmbedding3, 0, nil
	case 768:
		return openai.LargeEmbedding3, 768, nil
	default:
		return "", 0, fmt.Errorf("no embedding model for vector size %d", size)
	}
}

// DenseConfig configures a dense embedder.
type DenseConfig struct {
	APIKey     string
	VectorSize int
	// Pace is the pod-wide request limiter shared across embedders.
	Pace *rate.Limiter
	// BaseURL overrides the API endpoint in tests.
	BaseURL string
	// TokenCounter overrides the tokenizer in tests.
	TokenCounter func(string) int
}

// DenseEmbedder embeds chunk text through the OpenAI API.
type DenseEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	vectorSize int
	sem        *semaphore.Weighted
	pace       *rate.Limiter
	log        logger.Logger

	tokOnce sync.Once
	tokErr  error
	counter func(string) int
}

// NewDense builds an embedder for one vector size.
func NewDense(cfg DenseConfig) (*DenseEmbedder, error) {
	model, dims, err := modelForVectorSize(cfg.VectorSize)
	if err != nil {
		return nil, err
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &DenseEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		dimensions: dims,
		vectorSize: cfg.VectorSize,
		sem:        semaphore.NewWeighted(maxInflightRequests),
		pace:       cfg.Pace,
		log:        logger.New("embed"),
		counter:    cfg.TokenCounter,
	}, nil
}

var (
	denseMu     sync.Mutex
	denseBySize = map[int]*DenseEmbedder{}
)

// SharedDense returns the process-wide embedder for the config's vector
// size, creating it on first use.
func SharedDense(cfg DenseConfig) (*DenseEmbedder, error) {
	denseMu.Lock()
	defer denseMu.Unlock()
	if e, ok := denseBySize[cfg.VectorSize]; ok {
		return e, nil
	}
	e, err := NewDense(cfg)
	if err != nil {
		return nil, err
	}
	denseBySize[cfg.VectorSize] = e
	return e, nil
}

// VectorSize reports the configured output dimension.
func (d *DenseEmbedder) VectorSize() int { return d.vectorSize }

// Embed returns one vector per text, in order. Empty input text is a
// programming bug upstream and fails the sync; a single text over the
// per-input token limit embeds as a zero vector so one pathological entity
// cannot kill the job.
func (d *DenseEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var indices []int
	var batch []string
	batchTokens := 0

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, syncerrors.NewSyncFailureError("dense embedder received empty text", nil)
		}
		tokens, err := d.countTokens(text)
		if err != nil {
			return nil, err
		}
		if tokens > maxTokensPerText {
			d.log.Warn("text exceeds the embedding token limit, using zero vector",
				logger.Int("index", i),
				logger.Int("tokens", tokens))
			out[i] = make([]float32, d.vectorSize)
			continue
		}
		indices = append(indices, i)
		batch = append(batch, text)
		batchTokens += tokens
	}

	if len(batch) == 0 {
		return out, nil
	}
	vectors, err := d.embedSplit(ctx, batch, batchTokens)
	if err != nil {
		return nil, err
	}
	for j, idx := range indices {
		out[idx] = vectors[j]
	}
	return out, nil
}

// embedSplit halves the batch recursively until both request limits hold,
// then performs the API call.
func (d *DenseEmbedder) embedSplit(ctx context.Context, texts []string, tokens int) ([][]float32, error) {
	if len(texts) > 1 && (len(texts) > maxTextsPerRequest || tokens > maxTokensPerRequest) {
		mid := len(texts) / 2
		leftTokens, err := d.sumTokens(texts[:mid])
		if err != nil {
			return nil, err
		}
		left, err := d.embedSplit(ctx, texts[:mid], leftTokens)
		if err != nil {
			return nil, err
		}
		right, err := d.embedSplit(ctx, texts[mid:], tokens-leftTokens)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}
	return d.embedRequest(ctx, texts)
}

func (d *DenseEmbedder) embedRequest(ctx context.Context, texts []string) ([][]float32, error) {
	if d.pace != nil {
		if err := d.pace.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	resp, err := d.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      d.model,
		Dimensions: d.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		if len(item.Embedding) != d.vectorSize {
			return nil, fmt.Errorf("embedding has %d dimensions, collection expects %d", len(item.Embedding), d.vectorSize)
		}
		out[i] = item.Embedding
	}
	return out, nil
}

func (d *DenseEmbedder) sumTokens(texts []string) (int, error) {
	total := 0
	for _, t := range texts {
		n, err := d.countTokens(t)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (d *DenseEmbedder) countTokens(text string) (int, error) {
	d.tokOnce.Do(func() {
		if d.counter != nil {
			return
		}
		enc, err := tiktoken.GetEncoding(embedEncoding)
		if err != nil {
			d.tokErr = fmt.Errorf("failed to load %s encoding: %w", embedEncoding, err)
			return
		}
		d.counter = func(text string) int { return len(enc.Encode(text, nil, nil)) }
	})
	if d.tokErr != nil {
		return 0, d.tokErr
	}
	return d.counter(text), nil
}
