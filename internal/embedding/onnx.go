//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/docqa/pkg/utils"
)

// ONNXEmbedder runs a sentence-transformer exported to ONNX (all-MiniLM-L6-v2 by default).
// It requires CGO and the onnxruntime shared library. Inference reuses pre-allocated
// tensors and is serialized by a mutex.
type ONNXEmbedder struct {
	session    *ort.AdvancedSession
	options    ONNXOptions
	tokenizer  Tokenizer
	inputIDs   *ort.Tensor[int64]
	attention  *ort.Tensor[int64]
	tokenTypes *ort.Tensor[int64]
	output     *ort.Tensor[float32]
	mu         sync.Mutex
}

// NewONNXEmbedder creates an ONNX embedder. The runtime environment is initialized if needed.
func NewONNXEmbedder(opts ONNXOptions) (*ONNXEmbedder, error) {
	opts.applyDefaults()
	if !ort.IsInitialized() {
		if opts.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(opts.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	var tokenizer Tokenizer = &SimpleTokenizer{}
	if opts.VocabPath != "" {
		wp, err := LoadWordPieceTokenizer(opts.VocabPath)
		if err != nil {
			return nil, err
		}
		tokenizer = wp
	}

	e := &ONNXEmbedder{options: opts, tokenizer: tokenizer}
	ids, mask, types := tokenizer.Tokenize("", opts.MaxTokens)
	inputShape := ort.NewShape(1, int64(opts.MaxTokens))
	var err error
	if e.inputIDs, err = ort.NewTensor(inputShape, ids); err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	if e.attention, err = ort.NewTensor(inputShape, mask); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	if e.tokenTypes, err = ort.NewTensor(inputShape, types); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	outputShape := ort.NewShape(1, int64(opts.Dimensions))
	if opts.Pooling == PoolingMean {
		outputShape = ort.NewShape(1, int64(opts.MaxTokens), int64(opts.Dimensions))
	}
	outputData := make([]float32, outputShape.FlattenedSize())
	if e.output, err = ort.NewTensor(outputShape, outputData); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	e.session, err = ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{e.inputIDs, e.attention, e.tokenTypes},
		[]ort.ArbitraryTensor{e.output},
		nil,
	)
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return e, nil
}

// Embed returns the L2-normalized sentence embedding of text.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, embeddingError("onnx", fmt.Errorf("embedder is closed"))
	}

	ids, mask, types := e.tokenizer.Tokenize(text, e.options.MaxTokens)
	copy(e.inputIDs.GetData(), ids)
	copy(e.attention.GetData(), mask)
	copy(e.tokenTypes.GetData(), types)

	if err := e.session.Run(); err != nil {
		return nil, embeddingError("onnx inference", err)
	}

	out := e.output.GetData()
	dim := e.options.Dimensions
	embedding := make([]float32, dim)
	if e.options.Pooling == PoolingMean {
		var tokens float32
		for t, m := range mask {
			if m == 0 {
				continue
			}
			tokens++
			row := out[t*dim : (t+1)*dim]
			for j, v := range row {
				embedding[j] += v
			}
		}
		if tokens > 0 {
			for j := range embedding {
				embedding[j] /= tokens
			}
		}
	} else {
		copy(embedding, out[:dim])
	}
	utils.NormalizeL2(embedding)
	return embedding, nil
}

// EmbedBatch calls Embed for each text.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.Embed)
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.options.Dimensions
}

// Model returns the model file in use.
func (e *ONNXEmbedder) Model() string {
	return "onnx:" + e.options.ModelPath
}

// Close destroys the session and tensors.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	for _, t := range []*ort.Tensor[int64]{e.inputIDs, e.attention, e.tokenTypes} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if e.output != nil {
		_ = e.output.Destroy()
	}
	e.inputIDs, e.attention, e.tokenTypes, e.output = nil, nil, nil, nil
	return err
}
