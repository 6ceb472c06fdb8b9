// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"resnet_bn_momentum": 0.9,
		"num_steps":          7,
		"verbose":            false,
		"name":               "foo",
		"list_int":           []int{},
		"list_float":         []float64{},
		"list_str":           []string{},
	})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()
	paramsSet, err := ParseContextSettings(ctx,
		"resnet_bn_momentum=0.99;/a/verbose=true;/a/b/num_steps=1_000;name=bar;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"resnet_bn_momentum", "/a/verbose", "/a/b/num_steps", "name", "list_int", "list_float", "list_str"},
		paramsSet)

	assert.Equal(t, 0.99, context.GetParamOr(ctx, "resnet_bn_momentum", 0.0))
	assert.Equal(t, 7, context.GetParamOr(ctx, "num_steps", 0))
	assert.Equal(t, 7, context.GetParamOr(ctx.In("a"), "num_steps", 0))
	assert.Equal(t, 1000, context.GetParamOr(ctx.In("a").In("b"), "num_steps", 0))
	assert.False(t, context.GetParamOr(ctx, "verbose", true))
	assert.True(t, context.GetParamOr(ctx.In("a"), "verbose", false))
	assert.Equal(t, "bar", context.GetParamOr(ctx, "name", ""))
	assert.Equal(t, []int{1, 3, 7}, context.GetParamOr(ctx, "list_int", []int{}))
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, context.GetParamOr(ctx, "list_float", []float64{}))
	assert.Equal(t, []string{"a", "b"}, context.GetParamOr(ctx, "list_str", []string{}))

	modified := SprintModifiedContextSettings(ctx, paramsSet)
	assert.Contains(t, modified, `"/a/b/num_steps": (int) 1000`)
	assert.Contains(t, SprintContextSettings(ctx), `"/resnet_bn_momentum": (float64) 0.99`)

	// Unknown parameter.
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Parameters only known in a sub-scope are still unknown.
	ctx.In("c").SetParam("q", 13)
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Wrong type of value.
	_, err = ParseContextSettings(ctx, "num_steps=3.14")
	require.Error(t, err)
	assert.Equal(t, 7, context.GetParamOr(ctx, "num_steps", 0))
	_, err = ParseContextSettings(ctx, "list_int=1,2.5")
	require.Error(t, err)

	// Scope not absolute.
	_, err = ParseContextSettings(ctx, "a/num_steps=3")
	require.Error(t, err)

	// Missing value.
	_, err = ParseContextSettings(ctx, "num_steps")
	require.Error(t, err)
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := createTestContext()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment\nnum_steps=11\n\nname=baz;verbose=true\n"), 0644))
	paramsSet, err := ParseContextSettings(ctx, "file:"+filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"num_steps", "name", "verbose"}, paramsSet)
	assert.Equal(t, 11, context.GetParamOr(ctx, "num_steps", 0))
	assert.Equal(t, "baz", context.GetParamOr(ctx, "name", ""))
	assert.True(t, context.GetParamOr(ctx, "verbose", false))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "1m31s", FormatDuration(90*time.Second+600*time.Millisecond))
}

func TestFormatMetric(t *testing.T) {
	assert.Equal(t, "1,234.5", FormatMetric("train.compute_ips img/s", 1234.5))
	assert.Equal(t, "1.50s", FormatMetric("train.data_time", 1.5))
	assert.Equal(t, "0.1235", FormatMetric("train.loss", 0.123456))
	assert.Equal(t, "1", FormatMetric("train.loss", 0.99999))
	assert.Equal(t, "-0.5", FormatMetric("train.loss", -0.50004))
	assert.Equal(t, [][2]string{{"a", "1"}, {"b", "2"}}, MetricRows(map[string]float64{"b": 2, "a": 1}))
}

func TestPrintMetrics(t *testing.T) {
	var buf bytes.Buffer
	PrintMetrics(&buf, "Validation", map[string]float64{"val.top1": 75.25, "val.loss": 1.5})
	output := buf.String()
	assert.Contains(t, output, "Validation:")
	assert.Contains(t, output, "val.top1")
	assert.Contains(t, output, "75.25")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("val.loss")), bytes.Index(buf.Bytes(), []byte("val.top1")))
}

func TestProgressBar(t *testing.T) {
	maxUpdateFrequency = 0
	var buf bytes.Buffer
	pBar := newProgressBar(&buf, "Train", 10, func() (string, string) { return "lr", "0.1" })
	pBar.Update(5, map[string]float64{"train.loss": 2})
	pBar.Update(5, map[string]float64{"train.loss": 3}) // No progress: ignored.
	pBar.Update(10, map[string]float64{"train.loss": 1})
	pBar.Done()
	pBar.Done()
	output := buf.String()
	assert.Contains(t, output, "train.loss")
	assert.Contains(t, output, "10 of 10")
	assert.Contains(t, output, "lr")
}
