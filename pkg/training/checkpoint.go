// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/actnn/pkg/models"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Directories under the workspace.
const (
	// CheckpointsDir holds the checkpoints saved at the end of each epoch.
	CheckpointsDir = "checkpoints"

	// BestDir is the subdirectory of CheckpointsDir with a copy of the checkpoint of the best top-1 accuracy.
	BestDir = "model_best"
)

// StateScope is the absolute scope of the variables tracking the progress of the run.
const StateScope = "/training"

// state holds the variables saved with every checkpoint describing the progress of the run.
type state struct {
	epochVar, bestVar *context.Variable
}

// newState creates the state variables, or fetches them if they exist or are loaded from a checkpoint.
func newState(ctx *context.Context) *state {
	stateCtx := ctx.InAbsPath(StateScope).Checked(false)
	return &state{
		epochVar: stateCtx.VariableWithValue("epoch", int64(0)).SetTrainable(false),
		bestVar:  stateCtx.VariableWithValue("best_prec1", float64(0)).SetTrainable(false),
	}
}

// Epoch returns the next epoch to run.
func (s *state) Epoch() int {
	return int(tensors.ToScalar[int64](s.epochVar.MustValue()))
}

func (s *state) SetEpoch(epoch int) {
	s.epochVar.MustSetValue(tensors.FromScalar(int64(epoch)))
}

// Best returns the best top-1 accuracy seen so far.
func (s *state) Best() float64 {
	return tensors.ToScalar[float64](s.bestVar.MustValue())
}

func (s *state) SetBest(best float64) {
	s.bestVar.MustSetValue(tensors.FromScalar(best))
}

// paramNames returns the scoped names of the context parameters. They are excluded when loading
// checkpoints, so the arguments of the current run take precedence, but are still saved with them.
func paramNames(ctx *context.Context) []string {
	var names []string
	ctx.EnumerateParams(func(scope, key string, _ any) {
		names = append(names, context.JoinScope(scope, key))
	})
	return names
}

// isModelVariable returns whether the scope holds model weights.
func isModelVariable(scope string) bool {
	prefix := context.ScopeSeparator + models.Scope
	return scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator)
}

// LoadModelWeights reads the model variables of the latest checkpoint in dir, keyed by parameter name
// (see context.VariableParameterNameFromScopeAndName).
func LoadModelWeights(dir string) (map[string]*tensors.Tensor, error) {
	handler, err := checkpoints.Load(context.New()).Dir(dir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}
	weights := make(map[string]*tensors.Tensor)
	for name, value := range handler.LoadedVariables() {
		scope, _ := context.VariableScopeAndNameFromParameterName(name)
		if isModelVariable(scope) {
			weights[name] = value
		}
	}
	if len(weights) == 0 {
		return nil, errors.Errorf("checkpoint in %q has no variables under %q", dir, models.Scope)
	}
	return weights, nil
}

// weightsLoader is a context.Loader serving a fixed set of weights.
//
// If override is set its weights take precedence over the previously installed loader, otherwise
// they are only used for the variables the previous loader doesn't have.
type weightsLoader struct {
	prev     context.Loader
	override bool
	weights  map[string]*tensors.Tensor
}

var _ context.Loader = (*weightsLoader)(nil)

// LoadVariable implements context.Loader.
func (l *weightsLoader) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if !l.override && l.prev != nil {
		if value, found = l.prev.LoadVariable(ctx, scope, name); found {
			return
		}
	}
	paramName := context.VariableParameterNameFromScopeAndName(scope, name)
	if value, found = l.weights[paramName]; found {
		delete(l.weights, paramName)
		return
	}
	if l.override && l.prev != nil {
		return l.prev.LoadVariable(ctx, scope, name)
	}
	return nil, false
}

// DeleteVariable implements context.Loader.
func (l *weightsLoader) DeleteVariable(ctx *context.Context, scope, name string) error {
	delete(l.weights, context.VariableParameterNameFromScopeAndName(scope, name))
	if l.prev != nil {
		return l.prev.DeleteVariable(ctx, scope, name)
	}
	return nil
}

// installWeights makes the weights available to ctx.
//
// Variables that already exist are only changed if override is set. The others are served by a loader
// chained to the current one, so they take their value when the model graph is first built.
func installWeights(ctx *context.Context, weights map[string]*tensors.Tensor, override bool) error {
	pending := make(map[string]*tensors.Tensor, len(weights))
	for paramName, value := range weights {
		scope, name := context.VariableScopeAndNameFromParameterName(paramName)
		if v := ctx.InspectVariableIfLoaded(scope, name); v != nil {
			if !override {
				continue
			}
			if !v.Shape().Equal(value.Shape()) {
				return errors.Errorf("variable %q shaped %s can't be set to a value shaped %s",
					paramName, v.Shape(), value.Shape())
			}
			if err := v.SetValue(value); err != nil {
				return errors.WithMessagef(err, "setting variable %q", paramName)
			}
			continue
		}
		pending[paramName] = value
	}
	if len(pending) > 0 {
		ctx.SetLoader(&weightsLoader{prev: ctx.Loader(), override: override, weights: pending})
	}
	return nil
}

// copyFile copies src to dst, replacing it.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %q", src)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating %q", dst)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "closing %q", dst)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copying %q to %q", src, dst)
	}
	return nil
}

// saveBest copies the latest checkpoint of handler to the BestDir subdirectory, replacing its contents.
func saveBest(handler *checkpoints.Handler) error {
	names, err := handler.ListCheckpoints()
	if err != nil {
		return errors.WithMessage(err, "listing checkpoints")
	}
	if len(names) == 0 {
		return errors.Errorf("no checkpoint in %q to mark as best", handler.Dir())
	}
	latest := names[len(names)-1]
	bestDir := filepath.Join(handler.Dir(), BestDir)
	if err := os.RemoveAll(bestDir); err != nil {
		return errors.Wrapf(err, "removing previous best checkpoint %q", bestDir)
	}
	if err := os.MkdirAll(bestDir, 0o777); err != nil {
		return errors.Wrapf(err, "creating %q", bestDir)
	}
	for _, suffix := range []string{checkpoints.JsonNameSuffix, checkpoints.BinDataSuffix} {
		src := filepath.Join(handler.Dir(), latest+suffix)
		if err := copyFile(src, filepath.Join(bestDir, latest+suffix)); err != nil {
			return err
		}
	}
	klog.V(1).Infof("checkpoint %q marked as best in %q", latest, bestDir)
	return nil
}

// SaveFinalWeights saves only the model variables of ctx as a checkpoint in dir, replacing its contents.
func SaveFinalWeights(ctx *context.Context, dir string) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	weightsCtx := context.New()
	var cloneErr error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if cloneErr != nil || !isModelVariable(v.Scope()) {
			return
		}
		_, cloneErr = v.CloneToContext(weightsCtx)
	})
	if cloneErr != nil {
		return errors.WithMessage(cloneErr, "copying model weights")
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing previous final weights in %q", dir)
	}
	handler, err := checkpoints.Build(weightsCtx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating final weights checkpoint in %q", dir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving final weights to %q", dir)
	}
	return nil
}

// workspacePath joins the workspace with name, unless name is absolute.
func workspacePath(workspace, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(workspace, name)
}
