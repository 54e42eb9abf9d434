// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Predictor classifies digit images with a trained model.
type Predictor struct {
	exec *context.Exec

	// Invert the grey levels of the images before classification: MNIST digits are light on
	// a dark background, most scanned or drawn digits are the opposite.
	Invert bool
}

// NewPredictor creates a predictor for the model variables in ctx.
func NewPredictor(backend backends.Backend, ctx *context.Context) (*Predictor, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{images})[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create inference graph")
	}
	return &Predictor{exec: exec}, nil
}

// Finalize releases the compiled graphs.
func (p *Predictor) Finalize() {
	p.exec.Finalize()
}

// ToMNIST converts any image to a 28x28 grey MNIST image.
func ToMNIST(img image.Image, invert bool) *Image {
	grey := imaging.Grayscale(img)
	if invert {
		grey = imaging.Invert(grey)
	}
	if b := grey.Bounds(); b.Dx() != Width || b.Dy() != Height {
		grey = imaging.Resize(grey, Width, Height, imaging.Lanczos)
	}
	var out Image
	for y := range Height {
		for x := range Width {
			out[y*Width+x] = color.GrayModel.Convert(grey.At(x, y)).(color.Gray).Y
		}
	}
	return &out
}

// Prediction of one image.
type Prediction struct {
	Digit         int
	Probabilities [NumClasses]float32
}

// Predict classifies the images.
func (p *Predictor) Predict(imgs ...image.Image) ([]Prediction, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	split := &Examples{Name: "predict", Images: make([]Image, len(imgs)), Labels: make([]uint8, len(imgs))}
	indices := make([]int, len(imgs))
	for i, img := range imgs {
		split.Images[i] = *ToMNIST(img, p.Invert)
		indices[i] = i
	}
	images, labels := split.tensors(indices)
	labels.MustFinalizeAll()
	defer images.MustFinalizeAll()
	output, err := p.exec.Exec1(images)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to run model")
	}
	defer output.MustFinalizeAll()

	flat := tensors.MustCopyFlatData[float32](output)
	predictions := make([]Prediction, len(imgs))
	for i := range predictions {
		best := float32(math.Inf(-1))
		for c := range NumClasses {
			logProb := flat[i*NumClasses+c]
			predictions[i].Probabilities[c] = float32(math.Exp(float64(logProb)))
			if logProb > best {
				best = logProb
				predictions[i].Digit = c
			}
		}
	}
	return predictions, nil
}

// PredictFile opens the image file (any format supported by imaging) and classifies it.
func (p *Predictor) PredictFile(path string) (Prediction, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return Prediction{}, errors.Wrapf(err, "failed to open image %q", path)
	}
	predictions, err := p.Predict(img)
	if err != nil {
		return Prediction{}, err
	}
	return predictions[0], nil
}
