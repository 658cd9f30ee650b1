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

// Package playbook 定义 playbook YAML 契约：解析、校验与步骤规范化。
// 规范化是纯函数，返回新值，不修改入参。
package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"

	pkgerrors "playbook-platform/pkg/errors"
)

// 资源类型
const (
	KindPlaybook = "Playbook"
	KindTool     = "Tool"
	KindModel    = "Model"
)

// 控制步骤名
const (
	StepStart = "start"
	StepEnd   = "end"
)

// actionableTypes 可执行动作类型的闭集（服务端校验表；worker 侧按 tagged variant 分发）
var actionableTypes = map[string]bool{
	"http":      true,
	"python":    true,
	"duckdb":    true,
	"postgres":  true,
	"snowflake": true,
	"secrets":   true,
	"workbook":  true,
	"playbook":  true,
	"save":      true,
	"iterator":  true,
}

// controlTypes 纯控制流类型：不入队，仅参与 next 评估
var controlTypes = map[string]bool{
	"":      true,
	"start": true,
	"end":   true,
	"route": true,
}

// Metadata playbook 元信息
type Metadata struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

// Transition next 列表中的一条转移边
type Transition struct {
	Step    string                 `yaml:"step"`
	When    string                 `yaml:"when"`
	With    map[string]interface{} `yaml:"with"`
	Payload map[string]interface{} `yaml:"payload"`
	Input   map[string]interface{} `yaml:"input"`
	Data    map[string]interface{} `yaml:"data"`
}

// EdgeArgs 合并边上的 with/payload/input（with 优先级最低→input 最高，同键后者覆盖）
func (t Transition) EdgeArgs() map[string]interface{} {
	if t.With == nil && t.Payload == nil && t.Input == nil {
		return nil
	}
	out := make(map[string]interface{})
	for _, m := range []map[string]interface{}{t.With, t.Payload, t.Input} {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Step 工作流中的一个节点；已声明字段之外的键落入 Attrs（url、code、collection 等）
type Step struct {
	Name   string                 `yaml:"step"`
	Type   string                 `yaml:"type"`
	Next   []Transition           `yaml:"next"`
	Result map[string]interface{} `yaml:"result"`
	Attrs  map[string]interface{} `yaml:",inline"`
}

// Attr 读取扩展字段
func (s Step) Attr(key string) (interface{}, bool) {
	v, ok := s.Attrs[key]
	return v, ok
}

// AttrString 读取字符串扩展字段，缺失或类型不符返回 ""
func (s Step) AttrString(key string) string {
	if v, ok := s.Attrs[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// IsControl 纯控制流步骤：start/end/route 或无类型
func (s Step) IsControl() bool {
	return controlTypes[s.Type]
}

// Actionable 可执行步骤：类型在闭集内，python 还要求非空 code
func (s Step) Actionable() bool {
	if !actionableTypes[s.Type] {
		return false
	}
	if s.Type == "python" && s.AttrString("code") == "" {
		return false
	}
	return true
}

// IsIterator 迭代器步骤（循环 fan-out 的入口）
func (s Step) IsIterator() bool {
	return s.Type == "iterator"
}

// KeychainSpec keychain 块中的一条凭据声明
type KeychainSpec struct {
	Name      string                 `yaml:"name"`
	Kind      string                 `yaml:"kind"` // static | bearer | oauth2 | secret_manager | credential | google_oauth | google_service_account
	Token     string                 `yaml:"token"`
	Map       map[string]string      `yaml:"map"`
	Endpoint  string                 `yaml:"endpoint"`
	Headers   map[string]string      `yaml:"headers"`
	Data      map[string]string      `yaml:"data"`
	Auth      string                 `yaml:"auth"`
	Ref       string                 `yaml:"ref"`
	Scope     string                 `yaml:"scope"`  // 缓存域 global | catalog | shared | local，空则 local
	Scopes    []string               `yaml:"scopes"` // OAuth 授权域，与缓存域无关
	AutoRenew bool                   `yaml:"auto_renew"`
	Renew     map[string]interface{} `yaml:"renew"`
}

// Playbook 声明式工作流文档
type Playbook struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   Metadata               `yaml:"metadata"`
	Workload   map[string]interface{} `yaml:"workload"`
	Keychain   []KeychainSpec         `yaml:"keychain"`
	Workflow   []Step                 `yaml:"workflow"`
}

// Parse 解析 YAML 文本；语法错误映射为 ErrInvalidPlaybook
func Parse(content string) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal([]byte(content), &pb); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidPlaybook, err)
	}
	return &pb, nil
}

// ParseGeneric 解析 YAML 为通用 map（catalog payload 列用，保持对未知字段的保真）
func ParseGeneric(content string) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidPlaybook, err)
	}
	return m, nil
}

// Path 注册路径：metadata.path，缺省回退 metadata.name
func (p *Playbook) Path() string {
	if p.Metadata.Path != "" {
		return p.Metadata.Path
	}
	return p.Metadata.Name
}

// StepByName 按名索引步骤；不存在返回 false
func (p *Playbook) StepByName(name string) (Step, bool) {
	for _, s := range p.Workflow {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// ActionableSteps 工作流内全部可执行步骤名（规范化后判定）
func (p *Playbook) ActionableSteps() []string {
	var names []string
	for _, s := range p.Workflow {
		ns, err := Normalize(s)
		if err != nil {
			continue
		}
		if ns.Actionable() {
			names = append(names, ns.Name)
		}
	}
	return names
}

// HasEndStep 是否存在 end 步骤
func (p *Playbook) HasEndStep() bool {
	_, ok := p.StepByName(StepEnd)
	return ok
}

// EnsureEndStep 无 end 步骤时追加一个隐式终止步骤（result 为空表示聚合全部步骤结果）
func (p *Playbook) EnsureEndStep() {
	if !p.HasEndStep() {
		p.Workflow = append(p.Workflow, Step{Name: StepEnd})
	}
}

// Validate 校验 Playbook 类文档：必须有 workflow 与 start 步骤、步骤名唯一、
// 类型在闭集内、无环（next 指回祖先时注册期拒绝）、步骤规范化合法。
func (p *Playbook) Validate() error {
	if p.Kind != "" && p.Kind != KindPlaybook {
		return nil // Tool/Model 等资源不校验工作流
	}
	if len(p.Workflow) == 0 {
		return fmt.Errorf("%w: workflow is empty", pkgerrors.ErrInvalidPlaybook)
	}
	seen := make(map[string]bool, len(p.Workflow))
	for _, s := range p.Workflow {
		if s.Name == "" {
			return fmt.Errorf("%w: step without name", pkgerrors.ErrInvalidPlaybook)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate step %q", pkgerrors.ErrInvalidPlaybook, s.Name)
		}
		seen[s.Name] = true
		ns, err := Normalize(s)
		if err != nil {
			return err
		}
		if !ns.IsControl() && !actionableTypes[ns.Type] {
			return fmt.Errorf("%w: step %q has unknown type %q", pkgerrors.ErrInvalidPlaybook, s.Name, ns.Type)
		}
		for _, tr := range s.Next {
			if tr.Step == "" {
				return fmt.Errorf("%w: step %q has a transition without target", pkgerrors.ErrInvalidPlaybook, s.Name)
			}
			if !seen[tr.Step] {
				if _, ok := p.StepByName(tr.Step); !ok {
					return fmt.Errorf("%w: step %q points to unknown step %q", pkgerrors.ErrInvalidPlaybook, s.Name, tr.Step)
				}
			}
		}
	}
	if _, ok := p.StepByName(StepStart); !ok {
		return fmt.Errorf("%w: no start step", pkgerrors.ErrInvalidPlaybook)
	}
	return p.checkAcyclic()
}

// checkAcyclic DFS 检测 next 边构成的环；end 计数终止规则只对无环工作流成立
func (p *Playbook) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Workflow))
	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		step, ok := p.StepByName(name)
		if !ok {
			return nil
		}
		for _, tr := range step.Next {
			switch color[tr.Step] {
			case gray:
				return fmt.Errorf("%w: cycle through step %q", pkgerrors.ErrInvalidPlaybook, tr.Step)
			case white:
				if err := visit(tr.Step); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	return visit(StepStart)
}
