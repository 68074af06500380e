package embedding

// Pooling strategies for ONNX model outputs.
const (
	// PoolingMean averages token embeddings under the attention mask (sentence-transformers).
	PoolingMean = "mean"
	// PoolingNone reads an already pooled [1, dimensions] output.
	PoolingNone = "none"
)

// ONNXOptions configures the ONNX embedder.
type ONNXOptions struct {
	ModelPath         string
	VocabPath         string
	SharedLibraryPath string
	Dimensions        int
	MaxTokens         int
	OutputName        string
	Pooling           string
}

func (o *ONNXOptions) applyDefaults() {
	if o.Dimensions <= 0 {
		o.Dimensions = 384
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 256
	}
	if o.OutputName == "" {
		o.OutputName = "last_hidden_state"
	}
	if o.Pooling == "" {
		o.Pooling = PoolingMean
	}
}
