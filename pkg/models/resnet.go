// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models implements the ResNet family of image classifiers on top of the compressed
// layers of package actnn.
//
// The models take images shaped [batchSize, height, width, 3] and return the logits shaped
// [batchSize, numClasses]. Their variables are created under the scope "model".
package models

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/actnn/pkg/actnn"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Scope of the model variables.
const Scope = "model"

// Context hyperparameters read by the models. They can be set with the --set flag.
const (
	// ParamBatchNormMomentum is the momentum of the moving averages of batch normalization.
	ParamBatchNormMomentum = "resnet_bn_momentum"

	// ParamBatchNormEpsilon is added to the variance in batch normalization.
	ParamBatchNormEpsilon = "resnet_bn_epsilon"
)

// SetDefaultParams sets the default values of the context hyperparameters of the models.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamBatchNormMomentum: 0.9,
		ParamBatchNormEpsilon:  1e-5,
	})
}

// Config selects the initialization of a model.
type Config struct {
	// FanIn initializes convolutions with He normal initialization scaled by the fan-in,
	// otherwise by the fan-out.
	FanIn bool

	// LastBNZeroInit initializes to zero the scale of the last batch normalization of each residual
	// block, so the blocks start as the identity.
	LastBNZeroInit bool
}

// Configs by name.
var Configs = map[string]Config{
	"classic": {FanIn: false, LastBNZeroInit: false},
	"fanin":   {FanIn: true, LastBNZeroInit: true},
}

// Block types.
const (
	basicBlock = iota
	bottleneckBlock
)

// Arch describes a ResNet architecture.
type Arch struct {
	// CIFAR architectures use a 3x3 stem without max-pooling, and three stages.
	CIFAR     bool
	BlockType int
	Layers    []int
	Widths    []int
}

func (a Arch) expansion() int {
	if a.BlockType == bottleneckBlock {
		return 4
	}
	return 1
}

var imageNetWidths = []int{64, 128, 256, 512}

// Archs by name.
var Archs = map[string]Arch{
	"resnet18":  {BlockType: basicBlock, Layers: []int{2, 2, 2, 2}, Widths: imageNetWidths},
	"resnet34":  {BlockType: basicBlock, Layers: []int{3, 4, 6, 3}, Widths: imageNetWidths},
	"resnet50":  {BlockType: bottleneckBlock, Layers: []int{3, 4, 6, 3}, Widths: imageNetWidths},
	"resnet101": {BlockType: bottleneckBlock, Layers: []int{3, 4, 23, 3}, Widths: imageNetWidths},
	"resnet152": {BlockType: bottleneckBlock, Layers: []int{3, 8, 36, 3}, Widths: imageNetWidths},
	"resnet20":  cifarArch(20),
	"resnet32":  cifarArch(32),
	"resnet44":  cifarArch(44),
	"resnet56":  cifarArch(56),
}

// cifarArch returns the CIFAR ResNet of the given depth, 6n+2 layers with n basic blocks per stage.
func cifarArch(depth int) Arch {
	n := (depth - 2) / 6
	return Arch{CIFAR: true, BlockType: basicBlock, Layers: []int{n, n, n}, Widths: []int{16, 32, 64}}
}

// ResNet builds the logits for a batch of images.
type ResNet struct {
	Name       string
	Arch       Arch
	Config     Config
	NumClasses int
}

// New returns the ResNet with the given architecture and configuration names.
func New(arch, modelConfig string, numClasses int) (*ResNet, error) {
	a, found := Archs[arch]
	if !found {
		return nil, errors.Errorf("unknown architecture %q", arch)
	}
	c, found := Configs[modelConfig]
	if !found {
		return nil, errors.Errorf("unknown model config %q", modelConfig)
	}
	if numClasses <= 0 {
		return nil, errors.Errorf("invalid number of classes %d", numClasses)
	}
	return &ResNet{Name: arch, Arch: a, Config: c, NumClasses: numClasses}, nil
}

// String implements fmt.Stringer.
func (r *ResNet) String() string {
	return fmt.Sprintf("%s(layers=%v, fan_in=%v, last_bn_zero_init=%v, classes=%d)",
		r.Name, r.Arch.Layers, r.Config.FanIn, r.Config.LastBNZeroInit, r.NumClasses)
}

// ModelFn has the signature of the train.Trainer model function: inputs[0] are the images, and it
// returns the logits.
func (r *ResNet) ModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return []*Node{r.Logits(ctx, inputs[0])}
}

// Logits of the images.
func (r *ResNet) Logits(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 4 || x.Shape().Dimensions[3] != 3 {
		Panicf("ResNet requires images shaped [batchSize, height, width, 3], got %s", x.Shape())
	}
	ctx = ctx.In(Scope)
	if r.Arch.CIFAR {
		x = r.convBN(ctx.In("stem"), x, r.Arch.Widths[0], 3, 1, false)
		x = actnn.ReLU(x)
	} else {
		x = r.convBN(ctx.In("stem"), x, r.Arch.Widths[0], 7, 2, false)
		x = actnn.ReLU(x)
		x = MaxPool(x).ChannelsAxis(images.ChannelsLast).Window(3).Strides(2).PadSame().Done()
	}
	for stage, numBlocks := range r.Arch.Layers {
		width := r.Arch.Widths[stage]
		for block := range numBlocks {
			strides := 1
			if block == 0 && stage > 0 {
				strides = 2
			}
			blockCtx := ctx.In(fmt.Sprintf("layer%d", stage+1)).In(fmt.Sprintf("block%d", block))
			if r.Arch.BlockType == bottleneckBlock {
				x = r.bottleneck(blockCtx, x, width, strides)
			} else {
				x = r.basic(blockCtx, x, width, strides)
			}
		}
	}
	x = ReduceMean(x, 1, 2)
	return actnn.Dense(ctx.In("fc"), x, r.NumClasses, denseInitializer(ctx))
}

// convBN applies a convolution without bias followed by batch normalization.
func (r *ResNet) convBN(ctx *context.Context, x *Node, filters, kernelSize, strides int, zeroScale bool) *Node {
	x = actnn.Conv(ctx, x).
		Filters(filters).KernelSize(kernelSize).Strides(strides).PadSame().
		Initializer(convInitializer(ctx, r.Config.FanIn)).
		Done()
	return actnn.BatchNorm(ctx, x).
		Momentum(context.GetParamOr(ctx, ParamBatchNormMomentum, 0.9)).
		Epsilon(context.GetParamOr(ctx, ParamBatchNormEpsilon, 1e-5)).
		ZeroInitScale(zeroScale).
		Done()
}

// shortcut returns x, or its projection if the output shape differs.
func (r *ResNet) shortcut(ctx *context.Context, x *Node, filters, strides int) *Node {
	if strides == 1 && x.Shape().Dimensions[3] == filters {
		return x
	}
	return r.convBN(ctx.In("downsample"), x, filters, 1, strides, false)
}

// basic block: two 3x3 convolutions.
func (r *ResNet) basic(ctx *context.Context, x *Node, width, strides int) *Node {
	residual := r.shortcut(ctx, x, width, strides)
	y := actnn.ReLU(r.convBN(ctx.In("conv1"), x, width, 3, strides, false))
	y = r.convBN(ctx.In("conv2"), y, width, 3, 1, r.Config.LastBNZeroInit)
	return actnn.ReLU(Add(y, residual))
}

// bottleneck block: 1x1 reduction, 3x3 (with the strides) and 1x1 expansion convolutions.
func (r *ResNet) bottleneck(ctx *context.Context, x *Node, width, strides int) *Node {
	outWidth := width * r.Arch.expansion()
	residual := r.shortcut(ctx, x, outWidth, strides)
	y := actnn.ReLU(r.convBN(ctx.In("conv1"), x, width, 1, 1, false))
	y = actnn.ReLU(r.convBN(ctx.In("conv2"), y, width, 3, strides, false))
	y = r.convBN(ctx.In("conv3"), y, outWidth, 1, 1, r.Config.LastBNZeroInit)
	return actnn.ReLU(Add(y, residual))
}

// convInitializer returns the He normal initializer of convolution kernels shaped
// [kernelHeight, kernelWidth, inputChannels, outputChannels]: stddev = sqrt(2/fan).
func convInitializer(ctx *context.Context, fanIn bool) actnn.Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		dims := shape.Dimensions
		receptive := 1
		for _, dim := range dims[:len(dims)-2] {
			receptive *= dim
		}
		fan := receptive * dims[len(dims)-1]
		if fanIn {
			fan = receptive * dims[len(dims)-2]
		}
		stddev := math.Sqrt(2.0 / float64(fan))
		return MulScalar(ctx.RandomNormal(g, shape), stddev)
	}
}

// denseInitializer returns the uniform initializer in [-1/sqrt(fanIn), 1/sqrt(fanIn)] of
// weights shaped [inputDim, outputDim].
func denseInitializer(ctx *context.Context) actnn.Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		bound := 1 / math.Sqrt(float64(shape.Dimensions[0]))
		uniform := ctx.RandomUniform(g, shape)
		return AddScalar(MulScalar(uniform, 2*bound), -bound)
	}
}

// ArchNames returns the sorted names of the architectures.
func ArchNames() []string {
	names := make([]string, 0, len(Archs))
	for name := range Archs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
