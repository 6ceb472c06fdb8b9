// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sgd implements stochastic gradient descent with momentum (optionally Nesterov), weight decay
// and loss scaling, as an optimizers.Interface.
//
// The update for each trainable variable p with gradient g is:
//
//	d = g + weightDecay * p
//	buf = momentum * buf + d
//	p = p - lr * (d + momentum * buf)  // Nesterov
//	p = p - lr * buf                   // otherwise
//
// The learning rate is read from the optimizers.LearningRateVar variable, usually set per epoch by
// the lrschedule package.
package sgd

import (
	"fmt"
	"strings"

	"github.com/gomlx/actnn/pkg/actnn"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// Scope where the optimizer state is stored.
	Scope = "sgd"

	// LossScaleVariableName is the name of the dynamic loss scale variable, in Scope.
	LossScaleVariableName = "loss_scale"

	// CleanStepsVariableName counts the steps since the last overflow, in Scope.
	CleanStepsVariableName = "clean_steps"

	// SkippedStepsVariableName counts the steps skipped due to overflow, in Scope.
	SkippedStepsVariableName = "skipped_steps"
)

// Dynamic loss scaling settings.
const (
	InitialDynamicLossScale = 65536.0
	DynamicLossScaleWindow  = 2000
	DynamicLossScaleFactor  = 2.0
)

// Config for the SGD optimizer. Create it with New.
type Config struct {
	learningRate     float64
	momentum         float64
	weightDecay      float64
	nesterov         bool
	bnWeightDecay    bool
	staticLossScale  float64
	dynamicLossScale bool
}

// New creates an SGD configuration with learning rate 0.1, no momentum, no weight decay and no loss scaling.
func New() *Config {
	return &Config{learningRate: 0.1, staticLossScale: 1}
}

// LearningRate sets the initial learning rate, used if the learning rate variable doesn't exist yet.
func (c *Config) LearningRate(lr float64) *Config {
	c.learningRate = lr
	return c
}

// Momentum sets the momentum factor.
func (c *Config) Momentum(momentum float64) *Config {
	c.momentum = momentum
	return c
}

// Nesterov enables Nesterov momentum.
func (c *Config) Nesterov(nesterov bool) *Config {
	c.nesterov = nesterov
	return c
}

// WeightDecay sets the L2 penalty added to the gradients.
func (c *Config) WeightDecay(weightDecay float64) *Config {
	c.weightDecay = weightDecay
	return c
}

// BNWeightDecay sets whether batch normalization parameters also get weight decay. Default is false.
func (c *Config) BNWeightDecay(enabled bool) *Config {
	c.bnWeightDecay = enabled
	return c
}

// StaticLossScale multiplies the loss by scale before computing the gradients, and divides the gradients
// by it before the update.
func (c *Config) StaticLossScale(scale float64) *Config {
	c.staticLossScale = scale
	return c
}

// DynamicLossScale enables a loss scale that is halved (and the step skipped) whenever the gradients
// overflow, and doubled after DynamicLossScaleWindow steps without overflow. It supersedes StaticLossScale.
func (c *Config) DynamicLossScale(enabled bool) *Config {
	c.dynamicLossScale = enabled
	return c
}

// Done returns the optimizer.
func (c *Config) Done() *Optimizer {
	if c.momentum < 0 {
		Panicf("sgd: momentum must be >= 0, got %g", c.momentum)
	}
	if c.staticLossScale <= 0 {
		Panicf("sgd: static loss scale must be > 0, got %g", c.staticLossScale)
	}
	return &Optimizer{config: *c}
}

// Optimizer implements optimizers.Interface, and can also be updated from accumulated gradients.
type Optimizer struct {
	config Config
}

var _ optimizers.Interface = (*Optimizer)(nil)

// String implements fmt.Stringer.
func (o *Optimizer) String() string {
	c := &o.config
	return fmt.Sprintf("sgd(lr=%g, momentum=%g, nesterov=%v, weight_decay=%g, bn_weight_decay=%v, "+
		"static_loss_scale=%g, dynamic_loss_scale=%v)", c.learningRate, c.momentum, c.nesterov,
		c.weightDecay, c.bnWeightDecay, c.staticLossScale, c.dynamicLossScale)
}

// lossScale returns the current loss scale (a scalar of the given dtype), or nil if there is no loss scaling.
func (o *Optimizer) lossScale(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	if o.config.dynamicLossScale {
		scale := lossScaleVar(ctx).ValueGraph(g)
		if scale.DType() != dtype {
			scale = ConvertDType(scale, dtype)
		}
		return scale
	}
	if o.config.staticLossScale != 1 {
		return Scalar(g, dtype, o.config.staticLossScale)
	}
	return nil
}

func stateCtx(ctx *context.Context) *context.Context {
	return ctx.Checked(false).InAbsPath(context.ScopeSeparator + Scope)
}

func lossScaleVar(ctx *context.Context) *context.Variable {
	return stateCtx(ctx).VariableWithValue(LossScaleVariableName, float32(InitialDynamicLossScale)).SetTrainable(false)
}

func cleanStepsVar(ctx *context.Context) *context.Variable {
	return stateCtx(ctx).VariableWithValue(CleanStepsVariableName, int64(0)).SetTrainable(false)
}

func skippedStepsVar(ctx *context.Context) *context.Variable {
	return stateCtx(ctx).VariableWithValue(SkippedStepsVariableName, int64(0)).SetTrainable(false)
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	scale := o.lossScale(ctx, g, loss.DType())
	if scale == nil {
		grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
		o.UpdateGraphWithGradients(ctx, grads, loss.DType())
		return
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(Mul(loss, scale))
	for ii, grad := range grads {
		gradScale := scale
		if gradScale.DType() != grad.DType() {
			gradScale = ConvertDType(scale, grad.DType())
		}
		grads[ii] = Div(grad, gradScale)
	}
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies the (unscaled) gradients of the trainable variables, in the order
// returned by context.Context.BuildTrainableVariablesGradientsGraph.
//
// With dynamic loss scaling, if any gradient is not finite the update is skipped and the loss scale halved.
func (o *Optimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, are there any trainable variables ?")
	}
	g := grads[0].Graph()
	dtype := dtypes.Float32

	lrVar := optimizers.LearningRateVar(ctx, dtype, o.config.learningRate)
	learningRate := lrVar.ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	var finite *Node
	if o.config.dynamicLossScale {
		finite = o.updateLossScaleGraph(ctx, g, grads)
	}

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			o.applySGDGraph(ctx, g, v, dtype, grads[varIdx], learningRate, finite)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"SGD only sees %d variables -- were new variables created in between ?",
			numTrainable, varIdx)
	}
}

// updateLossScaleGraph returns a boolean scalar, whether all gradients are finite, and updates the
// dynamic loss scale accordingly.
func (o *Optimizer) updateLossScaleGraph(ctx *context.Context, g *Graph, grads []*Node) *Node {
	// The sum of the gradients is finite only if every gradient is.
	var total *Node
	for _, grad := range grads {
		sum := ReduceAllSum(ConvertDType(grad, dtypes.Float32))
		if total == nil {
			total = sum
		} else {
			total = Add(total, sum)
		}
	}
	finite := IsFinite(total)

	scaleVar, cleanVar, skippedVar := lossScaleVar(ctx), cleanStepsVar(ctx), skippedStepsVar(ctx)
	scale := scaleVar.ValueGraph(g)
	clean := cleanVar.ValueGraph(g)
	skipped := skippedVar.ValueGraph(g)

	one := OnesLike(clean)
	zero := ZerosLike(clean)
	clean = Where(finite, Add(clean, one), zero)
	grow := GreaterOrEqual(clean, Scalar(g, clean.DType(), DynamicLossScaleWindow))
	scale = Where(finite,
		Where(grow, MulScalar(scale, DynamicLossScaleFactor), scale),
		MaxScalar(DivScalar(scale, DynamicLossScaleFactor), 1))
	clean = Where(grow, zero, clean)
	skipped = Where(finite, skipped, Add(skipped, one))

	scaleVar.SetValueGraph(scale)
	cleanVar.SetValueGraph(clean)
	skippedVar.SetValueGraph(skipped)
	return finite
}

// usesWeightDecay returns whether the weight decay applies to v.
func (o *Optimizer) usesWeightDecay(v *context.Variable) bool {
	if o.config.weightDecay == 0 {
		return false
	}
	if o.config.bnWeightDecay {
		return true
	}
	return !IsBatchNormParameter(v)
}

// IsBatchNormParameter returns whether the variable belongs to a batch normalization layer.
func IsBatchNormParameter(v *context.Variable) bool {
	return strings.Contains(v.Scope()+context.ScopeSeparator, context.ScopeSeparator+actnn.BatchNormScope+context.ScopeSeparator)
}

// applySGDGraph updates v and its momentum buffer. If finite is not nil, the update only happens if it is true.
func (o *Optimizer) applySGDGraph(ctx *context.Context, g *Graph, v *context.Variable, dtype dtypes.DType,
	grad, learningRate, finite *Node) {
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	if o.usesWeightDecay(v) {
		grad = Add(grad, MulScalar(value, o.config.weightDecay))
	}

	step := grad
	if o.config.momentum > 0 {
		bufVar := o.momentumVar(ctx, v, dtype)
		buf := bufVar.ValueGraph(g)
		newBuf := Add(MulScalar(buf, o.config.momentum), grad)
		if finite != nil {
			newBuf = Where(finite, newBuf, buf)
		}
		bufVar.SetValueGraph(newBuf)
		if o.config.nesterov {
			step = Add(grad, MulScalar(newBuf, o.config.momentum))
		} else {
			step = newBuf
		}
	}
	step = optimizers.ClipStepByValue(ctx, Mul(step, learningRate))

	updated := Sub(value, step)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if finite != nil {
		updated = Where(finite, updated, value)
	}
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// momentumVar returns the momentum buffer of the trainable variable, creating it with zeros if needed.
func (o *Optimizer) momentumVar(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := context.ScopeSeparator + Scope + trainable.Scope()
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(func(g *Graph, shape shapes.Shape) *Node { return Zeros(g, shape) }).
		VariableWithShape(trainable.Name()+"_momentum", shape).
		SetTrainable(false)
}

// Clear deletes the optimizer state: momentum buffers and loss scale.
// It implements optimizers.Interface.
func (o *Optimizer) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + Scope).DeleteVariablesInScope()
}

// LossScale returns the current dynamic loss scale, or the static one if dynamic scaling is disabled.
func (o *Optimizer) LossScale(ctx *context.Context) float64 {
	if !o.config.dynamicLossScale {
		return o.config.staticLossScale
	}
	v := ctx.InAbsPath(context.ScopeSeparator + Scope).GetVariable(LossScaleVariableName)
	if v == nil {
		return InitialDynamicLossScale
	}
	return float64(v.MustValue().Value().(float32))
}
