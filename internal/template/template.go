// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package template 提供窄接口的 Jinja 风格渲染：when 谓词、with/args 插值与集合解析。
// 渲染失败与变量缺失不会让执行崩溃，谓词按 false 处理。
package template

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nikolalohinski/gonja"
)

// exprPath 匹配单表达式模板 {{ a.b.c }}，用于按路径取值以保留原始类型
var exprPath = regexp.MustCompile(`^\{\{\s*([\w][\w\.]*)\s*\}\}$`)

// Render 渲染模板字符串；ctx 缺少变量时 gonja 渲染为空，不报错
func Render(expr string, ctx map[string]interface{}) (string, error) {
	if !strings.Contains(expr, "{{") && !strings.Contains(expr, "{%") {
		return expr, nil
	}
	tpl, err := gonja.FromString(expr)
	if err != nil {
		return "", err
	}
	return tpl.Execute(gonja.Context(ctx))
}

// RenderBool 渲染 when 谓词并求真值。空表达式恒真；渲染错误按 false，保证
// 坏谓词只是让转移不触发而不是让评估失败。
func RenderBool(expr string, ctx map[string]interface{}) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	out, err := Render(expr, ctx)
	if err != nil {
		return false
	}
	return Truthy(out)
}

// Truthy Jinja 渲染结果的真值判定
func Truthy(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "false", "False", "0", "0.0", "none", "None", "null", "[]", "{}":
		return false
	}
	return true
}

// RenderValue 深度渲染：map 与 slice 递归，字符串走模板。单表达式字符串优先按
// 路径在 ctx 中取值以保留类型（列表、数字、map），取不到再退回渲染文本。
func RenderValue(v interface{}, ctx map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if m := exprPath.FindStringSubmatch(val); m != nil {
			if resolved, ok := Lookup(ctx, m[1]); ok {
				return resolved
			}
		}
		out, err := Render(val, ctx)
		if err != nil {
			return val
		}
		return coerce(out)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = RenderValue(item, ctx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = RenderValue(item, ctx)
		}
		return out
	default:
		return v
	}
}

// RenderMap 渲染参数映射，nil 入参返回 nil
func RenderMap(m map[string]interface{}, ctx map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out, _ := RenderValue(m, ctx).(map[string]interface{})
	return out
}

// RenderCollection 解析迭代器集合：已是列表则原样返回；字符串先按路径取值，
// 再尝试渲染后的 JSON 解码。解析不出列表返回 nil。
func RenderCollection(v interface{}, ctx map[string]interface{}) []interface{} {
	switch val := v.(type) {
	case []interface{}:
		return val
	case string:
		resolved := RenderValue(val, ctx)
		switch r := resolved.(type) {
		case []interface{}:
			return r
		case string:
			var list []interface{}
			if err := json.Unmarshal([]byte(r), &list); err == nil {
				return list
			}
		}
	}
	return nil
}

// Lookup 按点路径在嵌套 map 中取值
func Lookup(ctx map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// coerce 渲染输出的类型回收：JSON 形态的数字/布尔/结构还原为值，其余保持字符串
func coerce(s string) interface{} {
	t := strings.TrimSpace(s)
	if t == "" {
		return s
	}
	switch t[0] {
	case '{', '[', 't', 'f', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var v interface{}
		if err := json.Unmarshal([]byte(t), &v); err == nil {
			// 纯文本如 "true-ish" 不会走到这里，Unmarshal 已拒绝
			if _, isStr := v.(string); !isStr {
				return v
			}
		}
	}
	return s
}
