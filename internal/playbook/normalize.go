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

package playbook

import (
	"fmt"

	pkgerrors "playbook-platform/pkg/errors"
)

// Normalize 将步骤定义归一到内部形态，纯函数，返回新步骤：
//
//   - with: {...}          → args: {...}（with 与 args 同时出现时 args 覆盖同名键）
//   - loop: {in, iterator} → type: iterator + collection/element 属性
//   - data: {...}          → 仅在无 args 时提升为 args（旧格式迁移）；与 args 并存则拒绝，
//     data 键保留给步骤输出。
func Normalize(s Step) (Step, error) {
	out := s
	out.Attrs = make(map[string]interface{}, len(s.Attrs))
	for k, v := range s.Attrs {
		out.Attrs[k] = v
	}

	if with, ok := out.Attrs["with"]; ok {
		delete(out.Attrs, "with")
		wm, wok := asMap(with)
		if !wok {
			return Step{}, fmt.Errorf("%w: step %q: with must be a mapping", pkgerrors.ErrInvalidPlaybook, s.Name)
		}
		args, _ := asMap(out.Attrs["args"])
		merged := make(map[string]interface{}, len(wm)+len(args))
		for k, v := range wm {
			merged[k] = v
		}
		for k, v := range args {
			merged[k] = v
		}
		out.Attrs["args"] = merged
	}

	if loop, ok := out.Attrs["loop"]; ok {
		delete(out.Attrs, "loop")
		lm, lok := asMap(loop)
		if !lok {
			return Step{}, fmt.Errorf("%w: step %q: loop must be a mapping", pkgerrors.ErrInvalidPlaybook, s.Name)
		}
		if out.Type != "" && out.Type != "iterator" {
			// loop 包裹的原始动作下沉为迭代体任务
			task := map[string]interface{}{"type": out.Type}
			if args, ok := out.Attrs["args"]; ok {
				task["args"] = args
				delete(out.Attrs, "args")
			}
			for _, k := range []string{"url", "method", "code", "query", "connection", "path"} {
				if v, ok := out.Attrs[k]; ok {
					task[k] = v
					delete(out.Attrs, k)
				}
			}
			out.Attrs["task"] = task
		}
		out.Type = "iterator"
		if in, ok := lm["in"]; ok {
			out.Attrs["collection"] = in
		}
		if it, ok := lm["iterator"]; ok {
			out.Attrs["element"] = it
		}
		if mode, ok := lm["mode"]; ok {
			out.Attrs["mode"] = mode
		}
	}

	if data, ok := out.Attrs["data"]; ok {
		if _, hasArgs := out.Attrs["args"]; hasArgs {
			return Step{}, fmt.Errorf("%w: step %q: data is reserved for step outputs, use args", pkgerrors.ErrInvalidPlaybook, s.Name)
		}
		delete(out.Attrs, "data")
		out.Attrs["args"] = data
	}

	return out, nil
}

// Args 规范化后的入参映射，无则 nil
func (s Step) Args() map[string]interface{} {
	m, _ := asMap(s.Attrs["args"])
	return m
}

// Collection 迭代器的集合表达式（字符串模板或字面列表）
func (s Step) Collection() interface{} {
	return s.Attrs["collection"]
}

// Element 迭代器元素变量名，缺省 "item"
func (s Step) Element() string {
	if e := s.AttrString("element"); e != "" {
		return e
	}
	return "item"
}

// Mode 迭代模式：async（缺省，全部并发入队）或 sync（串行）
func (s Step) Mode() string {
	if m := s.AttrString("mode"); m == "sync" {
		return "sync"
	}
	return "async"
}

// Task 迭代体任务定义（playbook 引用或内联动作）
func (s Step) Task() map[string]interface{} {
	m, _ := asMap(s.Attrs["task"])
	return m
}

// asMap 兼容 yaml.v3 的 map[string]interface{} 与 JSON 往返后的同形值
func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	case nil:
		return nil, false
	}
	return nil, false
}
