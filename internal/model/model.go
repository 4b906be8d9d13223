package model

import "tensordriver/internal/tensor"

// Batch is a minibatch of NHWC frames and their steering targets.
type Batch struct {
	Images *tensor.Tensor
	Labels []float64
}

// Model defines the training functionality the loop relies on.
type Model interface {
	TrainStep(batch Batch) (float64, error)
	Predict(images *tensor.Tensor) ([]float64, error)
}
