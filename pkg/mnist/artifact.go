// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/managedtrain/internal/safetensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ArtifactFileName is the name of the model file written in the model directory.
const ArtifactFileName = "model.safetensors"

// layerVariableScope returns the scope of the variables of the given layer, as created by ModelGraph.
func layerVariableScope(layer string) string {
	scope := context.ScopeSeparator + ModelScope + context.ScopeSeparator + layer
	if isLinear(layer) {
		scope += context.ScopeSeparator + "dense"
	}
	return scope
}

// isLinear layers store their weights as `[in, out]` in the context and `[out, in]` in the artifact.
func isLinear(layer string) bool {
	return layer == "fc1" || layer == "fc2"
}

// transpose2D returns a new `[cols, rows]` tensor from a float32 `[rows, cols]` one.
func transpose2D(t *tensors.Tensor) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	if len(dims) != 2 {
		return nil, errors.Errorf("expected a 2D tensor, got shape %s", t.Shape())
	}
	rows, cols := dims[0], dims[1]
	flat := tensors.MustCopyFlatData[float32](t)
	transposed := make([]float32, len(flat))
	for r := range rows {
		for c := range cols {
			transposed[c*rows+r] = flat[r*cols+c]
		}
	}
	return tensors.FromFlatDataAndDimensions(transposed, cols, rows), nil
}

// ExportParameters returns the model parameters as a flat map keyed "<layer>.weight" and "<layer>.bias",
// convolution kernels shaped `[out, in, height, width]` and linear weights shaped `[out, in]`.
func ExportParameters(ctx *context.Context) (map[string]*tensors.Tensor, error) {
	params := make(map[string]*tensors.Tensor, 2*len(LayerNames))
	for _, layer := range LayerNames {
		scope := layerVariableScope(layer)
		for varName, suffix := range map[string]string{"weights": "weight", "biases": "bias"} {
			v := ctx.GetVariableByScopeAndName(scope, varName)
			if v == nil {
				return nil, errors.Errorf("model variable %s%s%s not found -- was the model trained?",
					scope, context.ScopeSeparator, varName)
			}
			value, err := v.Value()
			if err != nil {
				return nil, errors.WithMessagef(err, "reading variable %s", v.ScopeAndName())
			}
			// Copy, so the artifact doesn't share storage with the live variable.
			t := tensors.FromFlatDataAndDimensions(tensors.MustCopyFlatData[float32](value), value.Shape().Dimensions...)
			if isLinear(layer) && varName == "weights" {
				transposed, err := transpose2D(t)
				t.MustFinalizeAll()
				if err != nil {
					return nil, errors.WithMessagef(err, "variable %s", v.ScopeAndName())
				}
				t = transposed
			}
			params[layer+"."+suffix] = t
		}
	}
	return params, nil
}

// SaveModel writes the model parameters of ctx to `<modelDir>/model.safetensors` and returns the file path.
// The hyperparameters are stored in the file metadata.
func SaveModel(ctx *context.Context, hp Hyperparameters, modelDir string) (string, error) {
	params, err := ExportParameters(ctx)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(modelDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create model directory %q", modelDir)
	}
	path := filepath.Join(modelDir, ArtifactFileName)
	err = safetensors.WriteFile(path, &safetensors.File{
		Metadata: map[string]string{
			"epochs":          strconv.Itoa(hp.Epochs),
			"optimizer":       string(hp.Optimizer),
			"hidden_channels": strconv.Itoa(hp.HiddenChannels),
		},
		Tensors: params,
	})
	if err != nil {
		return "", err
	}
	klog.Infof("Saved %d tensors to %q", len(params), path)
	return path, nil
}

// Model is a trained model loaded from an artifact.
type Model struct {
	Hyperparameters Hyperparameters
	Parameters      map[string]*tensors.Tensor
}

// LoadModel reads an artifact written by SaveModel.
func LoadModel(path string) (*Model, error) {
	f, err := safetensors.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Model{Parameters: f.Tensors, Hyperparameters: DefaultHyperparameters()}
	for _, layer := range LayerNames {
		for _, suffix := range []string{"weight", "bias"} {
			if _, found := m.Parameters[layer+"."+suffix]; !found {
				return nil, errors.Errorf("%q is missing parameter %s.%s", path, layer, suffix)
			}
		}
	}
	// Hidden channels is the number of output channels of conv1.
	m.Hyperparameters.HiddenChannels = m.Parameters["conv1.weight"].Shape().Dimensions[0]
	if v, found := f.Metadata["epochs"]; found {
		if m.Hyperparameters.Epochs, err = strconv.Atoi(v); err != nil {
			return nil, errors.Wrapf(err, "invalid epochs metadata %q in %q", v, path)
		}
	}
	if v, found := f.Metadata["optimizer"]; found {
		m.Hyperparameters.Optimizer = OptimizerName(v)
	}
	return m, nil
}

// Context creates a context with the model variables set from the loaded parameters, ready for inference.
func (m *Model) Context() (ctx *context.Context, err error) {
	cfg := DefaultConfig()
	cfg.Hyperparameters = m.Hyperparameters
	if ctx, err = NewContext(cfg); err != nil {
		return nil, err
	}
	for _, layer := range LayerNames {
		weights := m.Parameters[layer+".weight"]
		if isLinear(layer) {
			if weights, err = transpose2D(weights); err != nil {
				return nil, errors.WithMessagef(err, "parameter %s.weight", layer)
			}
		}
		scopeCtx := ctx.InAbsPath(layerVariableScope(layer))
		err = exceptions.TryCatch[error](func() {
			scopeCtx.VariableWithValue("weights", weights)
			scopeCtx.VariableWithValue("biases", m.Parameters[layer+".bias"])
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "setting variables of %s", layer)
		}
	}
	return ctx, nil
}
