// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseContextSettings parses settings, typically the value of the --set flag, and updates the
// hyperparameters of ctx accordingly. It returns the paths of the parameters set.
//
// Settings are separated by ";", each in the format "param=value" or "/scope/param=value".
// Every param must already have a default value in the root scope of ctx, and the value is
// parsed to the type of the default. Lists are comma separated, and "_" can be used as a
// digit separator in integers (e.g. 1_000_000).
//
// A setting "file:<path>" reads the settings from a file, one or more per line, where lines
// starting with "#" are ignored.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		return parseContextSettingsFile(ctx, fsutil.MustReplaceTildeInDir(filePath), paramsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return paramsSet, errors.Errorf("can't parse setting %q, the format is \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return paramsSet, errors.Errorf("can't set parameter %q: scoped parameters must start with %q",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return paramsSet, errors.Errorf("unknown parameter %q: it has no default value in the root scope", paramName)
	}
	value, err := parseValueLike(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.WithMessagef(err, "parsing value %q of parameter %q (default is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

func parseContextSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "reading settings file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
			if err != nil {
				return paramsSet, err
			}
		}
	}
	return paramsSet, nil
}

// parseValueLike parses valueStr as JSON into the type of defaultValue, so a float is not accepted
// for an integer parameter.
func parseValueLike(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	}
	valueType := reflect.TypeOf(defaultValue)
	if valueType == nil {
		return nil, errors.New("parameter has no typed default value")
	}
	kind := valueType.Kind()
	if kind == reflect.Slice {
		kind = valueType.Elem().Kind()
		valueStr = "[" + valueStr + "]"
	}
	if isInteger(kind) {
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	}
	value := reflect.New(valueType)
	if err := json.Unmarshal([]byte(valueStr), value.Interface()); err != nil {
		return nil, errors.Wrapf(err, "can't parse as %s", valueType)
	}
	return value.Elem().Interface(), nil
}

func isInteger(kind reflect.Kind) bool {
	return (kind >= reflect.Int && kind <= reflect.Int64) || (kind >= reflect.Uint && kind <= reflect.Uint64)
}

// SprintContextSettings returns the parameters of ctx, one per line, sorted by scope and name.
func SprintContextSettings(ctx *context.Context) string {
	var lines []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			scope = ""
		}
		lines = append(lines, fmt.Sprintf("\t%q: (%T) %v", scope+context.ScopeSeparator+key, value, value))
	})
	slices.Sort(lines)
	return strings.Join(lines, "\n")
}

// SprintModifiedContextSettings returns the current values of the parameters in paramsSet, as returned
// by ParseContextSettings, one per line.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	lines := make([]string, 0, len(paramsSet))
	for _, paramPath := range paramsSet {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		lines = append(lines, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(lines, "\n")
}
