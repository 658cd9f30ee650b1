// Copyright 2026 fanjia1024

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPlainString(t *testing.T) {
	out, err := Render("no templates here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no templates here", out)
}

func TestRenderInterpolation(t *testing.T) {
	ctx := map[string]interface{}{
		"fetch": map[string]interface{}{"status": 200},
	}
	out, err := Render("status={{ fetch.status }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "status=200", out)
}

func TestRenderBool(t *testing.T) {
	ctx := map[string]interface{}{
		"fetch": map[string]interface{}{"status": 200, "ok": true},
	}
	assert.True(t, RenderBool("", ctx), "empty predicate is always true")
	assert.True(t, RenderBool("{{ fetch.status == 200 }}", ctx))
	assert.False(t, RenderBool("{{ fetch.status == 500 }}", ctx))
	assert.True(t, RenderBool("{{ fetch.ok }}", ctx))
}

func TestRenderBoolMissingVariable(t *testing.T) {
	// 变量缺失渲染为空串，谓词为 false，绝不 panic
	assert.False(t, RenderBool("{{ nosuch.thing }}", map[string]interface{}{}))
}

func TestRenderBoolBadTemplate(t *testing.T) {
	assert.False(t, RenderBool("{{ unclosed", map[string]interface{}{}))
}

func TestTruthy(t *testing.T) {
	for _, falsy := range []string{"", "  ", "false", "False", "0", "none", "None", "[]", "{}"} {
		assert.False(t, Truthy(falsy), falsy)
	}
	for _, truthy := range []string{"true", "True", "1", "ok", "[1]"} {
		assert.True(t, Truthy(truthy), truthy)
	}
}

func TestRenderValuePreservesTypes(t *testing.T) {
	ctx := map[string]interface{}{
		"start": map[string]interface{}{
			"args": map[string]interface{}{
				"hosts": []interface{}{"a", "b"},
				"count": float64(3),
			},
		},
	}
	hosts := RenderValue("{{ start.args.hosts }}", ctx)
	assert.Equal(t, []interface{}{"a", "b"}, hosts)

	count := RenderValue("{{ start.args.count }}", ctx)
	assert.Equal(t, float64(3), count)
}

func TestRenderValueDeep(t *testing.T) {
	ctx := map[string]interface{}{
		"env": map[string]interface{}{"host": "example.com"},
	}
	v := RenderValue(map[string]interface{}{
		"url":  "https://{{ env.host }}/api",
		"list": []interface{}{"{{ env.host }}", "static"},
		"n":    42,
	}, ctx)
	m, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "https://example.com/api", m["url"])
	assert.Equal(t, []interface{}{"example.com", "static"}, m["list"])
	assert.Equal(t, 42, m["n"])
}

func TestRenderCollection(t *testing.T) {
	ctx := map[string]interface{}{
		"start": map[string]interface{}{
			"args": map[string]interface{}{"hosts": []interface{}{"a", "b", "c"}},
		},
	}

	// 字面列表
	lit := RenderCollection([]interface{}{1, 2}, nil)
	assert.Len(t, lit, 2)

	// 路径表达式保留列表类型
	byPath := RenderCollection("{{ start.args.hosts }}", ctx)
	assert.Equal(t, []interface{}{"a", "b", "c"}, byPath)

	// 解析不出列表
	assert.Nil(t, RenderCollection("{{ start.args.nosuch }}", ctx))
	assert.Nil(t, RenderCollection(42, ctx))
}

func TestLookup(t *testing.T) {
	ctx := map[string]interface{}{
		"a": map[string]interface{}{"b": map[string]interface{}{"c": 7}},
	}
	v, ok := Lookup(ctx, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = Lookup(ctx, "a.x.c")
	assert.False(t, ok)
}
