// Copyright 2026 fanjia1024

package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "playbook-platform/pkg/errors"
)

func TestNormalizeWithBecomesArgs(t *testing.T) {
	s := Step{
		Name: "fetch",
		Type: "http",
		Attrs: map[string]interface{}{
			"with": map[string]interface{}{"url": "https://x", "method": "GET"},
		},
	}
	out, err := Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, "https://x", out.Args()["url"])
	_, hasWith := out.Attrs["with"]
	assert.False(t, hasWith)

	// 入参不被修改
	_, stillThere := s.Attrs["with"]
	assert.True(t, stillThere)
}

func TestNormalizeArgsWinOverWith(t *testing.T) {
	s := Step{
		Name: "fetch",
		Type: "http",
		Attrs: map[string]interface{}{
			"with": map[string]interface{}{"url": "from-with"},
			"args": map[string]interface{}{"url": "from-args"},
		},
	}
	out, err := Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, "from-args", out.Args()["url"])
}

func TestNormalizeLoopAlias(t *testing.T) {
	s := Step{
		Name: "fanout",
		Attrs: map[string]interface{}{
			"loop": map[string]interface{}{
				"in":       "{{ start.args.hosts }}",
				"iterator": "host",
				"mode":     "sync",
			},
			"task": map[string]interface{}{"playbook": "demo/ping"},
		},
	}
	out, err := Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, "iterator", out.Type)
	assert.Equal(t, "{{ start.args.hosts }}", out.Collection())
	assert.Equal(t, "host", out.Element())
	assert.Equal(t, "sync", out.Mode())
	assert.Equal(t, "demo/ping", out.Task()["playbook"])
}

func TestNormalizeLoopWrapsInlineAction(t *testing.T) {
	// loop 包裹的 http 动作下沉为迭代体任务
	s := Step{
		Name: "fanout",
		Type: "http",
		Attrs: map[string]interface{}{
			"url": "https://example.com/{{ host }}",
			"loop": map[string]interface{}{
				"in":       "{{ start.args.hosts }}",
				"iterator": "host",
			},
		},
	}
	out, err := Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, "iterator", out.Type)
	task := out.Task()
	require.NotNil(t, task)
	assert.Equal(t, "http", task["type"])
	assert.Equal(t, "https://example.com/{{ host }}", task["url"])
	_, hasURL := out.Attrs["url"]
	assert.False(t, hasURL)
}

func TestNormalizeDataLift(t *testing.T) {
	s := Step{
		Name: "fetch",
		Type: "http",
		Attrs: map[string]interface{}{
			"data": map[string]interface{}{"url": "https://x"},
		},
	}
	out, err := Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, "https://x", out.Args()["url"])
	_, hasData := out.Attrs["data"]
	assert.False(t, hasData)
}

func TestNormalizeDataConflictsWithArgs(t *testing.T) {
	s := Step{
		Name: "fetch",
		Type: "http",
		Attrs: map[string]interface{}{
			"data": map[string]interface{}{"a": 1},
			"args": map[string]interface{}{"b": 2},
		},
	}
	_, err := Normalize(s)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidPlaybook)
}

func TestNormalizeDefaults(t *testing.T) {
	s := Step{Name: "it", Type: "iterator", Attrs: map[string]interface{}{"collection": []interface{}{1, 2}}}
	out, err := Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, "item", out.Element())
	assert.Equal(t, "async", out.Mode())
}

func TestNormalizeBadWith(t *testing.T) {
	s := Step{Name: "x", Type: "http", Attrs: map[string]interface{}{"with": "not-a-map"}}
	_, err := Normalize(s)
	require.Error(t, err)
}
