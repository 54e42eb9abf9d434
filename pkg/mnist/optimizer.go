// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// OptimizerName enumerates the supported optimizers.
type OptimizerName string

const (
	// SGD with momentum.
	SGD OptimizerName = "sgd"

	// Adam is the adaptive moment estimation optimizer.
	Adam OptimizerName = "adam"
)

const (
	// LearningRate used by both optimizers.
	LearningRate = 0.01

	// Momentum used by the SGD optimizer.
	Momentum = 0.5
)

// ParseOptimizerName validates the optimizer name.
func ParseOptimizerName(name string) (OptimizerName, error) {
	switch OptimizerName(name) {
	case SGD, Adam:
		return OptimizerName(name), nil
	}
	return "", errors.Errorf("unknown optimizer %q, valid values are %q and %q", name, SGD, Adam)
}

// NewOptimizer returns the optimizer for the given name.
func NewOptimizer(name OptimizerName) (optimizers.Interface, error) {
	switch name {
	case SGD:
		return MomentumSGD().LearningRate(LearningRate).Momentum(Momentum).Done(), nil
	case Adam:
		return optimizers.Adam().LearningRate(LearningRate).Done(), nil
	}
	return nil, errors.Errorf("unknown optimizer %q, valid values are %q and %q", name, SGD, Adam)
}

// MomentumSGDConfig configures a stochastic gradient descent optimizer with (classic, non-Nesterov) momentum:
//
//	velocity = momentum * velocity + gradient
//	variable = variable - learning_rate * velocity
//
// There is no learning rate decay.
type MomentumSGDConfig struct {
	learningRate float64
	momentum     float64
	scopeName    string
}

// MomentumSGD creates a configuration for the momentum SGD optimizer. Call Done once configured.
func MomentumSGD() *MomentumSGDConfig {
	return &MomentumSGDConfig{
		learningRate: LearningRate,
		momentum:     Momentum,
		scopeName:    "MomentumSGD",
	}
}

// LearningRate sets the (constant) learning rate.
func (c *MomentumSGDConfig) LearningRate(value float64) *MomentumSGDConfig {
	c.learningRate = value
	return c
}

// Momentum sets the momentum factor. 0 disables momentum.
func (c *MomentumSGDConfig) Momentum(value float64) *MomentumSGDConfig {
	c.momentum = value
	return c
}

// Done returns the configured optimizer.
func (c *MomentumSGDConfig) Done() optimizers.Interface {
	return &momentumSGD{config: *c}
}

type momentumSGD struct {
	config MomentumSGDConfig
}

var _ optimizers.Interface = (*momentumSGD)(nil)

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *momentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	dtype := loss.DType()

	// Collect trainable variables first: velocity variables are created below.
	var trainables []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			trainables = append(trainables, v)
		}
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) != len(trainables) {
		exceptions.Panicf("momentum SGD: %d gradients for %d trainable variables", len(grads), len(trainables))
	}
	if len(grads) == 0 {
		return
	}

	lrVar := optimizers.LearningRateVar(ctx, dtype, o.config.learningRate)
	learningRate := lrVar.ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	for ii, v := range trainables {
		grad := optimizers.ClipNaNsInGradients(ctx, grads[ii])
		step := grad
		if o.config.momentum > 0 {
			velocityVar := o.velocityVariable(ctx, v)
			velocity := Add(MulScalar(velocityVar.ValueGraph(g), o.config.momentum), grad)
			velocityVar.SetValueGraph(velocity)
			step = velocity
		}
		lrCast := learningRate
		if lrCast.DType() != step.DType() {
			lrCast = ConvertDType(learningRate, step.DType())
		}
		step = optimizers.ClipStepByValue(ctx, Mul(step, lrCast))
		optimizers.TraceNaNInGradients(ctx, v, step)
		value := v.ValueGraph(g)
		v.SetValueGraph(optimizers.ClipNaNsInUpdates(ctx, value, Sub(value, step)))
	}
}

// velocityVariable returns the velocity for the trainable variable, creating it (with zeros) if needed.
// It mirrors the trainable variable scope under the optimizer scope.
func (o *momentumSGD) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	shape := trainable.Shape().Clone()
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", shape).
		SetTrainable(false)
}

// Clear deletes the velocity variables.
// It implements optimizers.Interface.
func (o *momentumSGD) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
