// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"

	_ "github.com/gomlx/gomlx/backends/default"
)

const deltaForTests = 1e-4

// Softmax of the logits is [0.25, 0.75].
var testLogits = [][]float32{{0, float32(math.Log(3))}}

func TestCrossEntropy(t *testing.T) {
	graphtest.RunTestGraphFn(t, "CrossEntropy(sparse)", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, testLogits)
		labels := Const(g, [][]int32{{1}})
		inputs = []*Node{logits, labels}
		loss := CrossEntropy([]*Node{labels}, []*Node{logits})
		outputs = []*Node{loss, Gradient(loss, logits)[0]}
		return
	}, []any{float32(0.287682), [][]float32{{0.25, -0.25}}}, deltaForTests)

	graphtest.RunTestGraphFn(t, "CrossEntropy(dense)", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, testLogits)
		labels := Const(g, [][]float32{{0.4, 0.6}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{CrossEntropy([]*Node{labels}, []*Node{logits})}
		return
	}, []any{float32(0.727127)}, deltaForTests)
}

func TestLabelSmoothing(t *testing.T) {
	graphtest.RunTestGraphFn(t, "LabelSmoothing(0.1)", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, testLogits)
		labels := Const(g, [][]int32{{1}})
		inputs = []*Node{logits, labels}
		outputs = []*Node{
			LabelSmoothing(0.1)([]*Node{labels}, []*Node{logits}),
			LabelSmoothing(0)([]*Node{labels}, []*Node{logits}),
		}
		return
	}, []any{float32(0.342613), float32(0.287682)}, deltaForTests)
}

func TestNLLMultiLabelSmooth(t *testing.T) {
	graphtest.RunTestGraphFn(t, "NLLMultiLabelSmooth(0.1)", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, testLogits)
		dense := Const(g, [][]float32{{0.4, 0.6}})
		sparse := Const(g, [][]int32{{1}})
		inputs = []*Node{logits, dense, sparse}
		lossFn := NLLMultiLabelSmooth(0.1)
		outputs = []*Node{
			lossFn([]*Node{dense}, []*Node{logits}),
			lossFn([]*Node{sparse}, []*Node{logits}), // Falls back to cross-entropy.
		}
		return
	}, []any{float32(0.738113), float32(0.287682)}, deltaForTests)
}

func TestSelect(t *testing.T) {
	name, _ := Select(0.2, 0.1)
	assert.Equal(t, "nll_multilabel_smooth", name)
	name, _ = Select(0, 0.1)
	assert.Equal(t, "label_smoothing", name)
	name, _ = Select(0, 0)
	assert.Equal(t, "cross_entropy", name)
}
