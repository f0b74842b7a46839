package inference

import "context"

// Runner executes the classifier on one preprocessed image.
type Runner interface {
	// Run returns one logit per class.
	Run(ctx context.Context, in *InputTensor) (Logits, error)
	// Classes returns the class names in output order.
	Classes() []string
	// Close releases native resources.
	Close() error
}
