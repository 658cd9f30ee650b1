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

// Package snowflake 生成 64 位单调 ID：[41 位毫秒时间戳 | 10 位节点 | 12 位序列]，
// 纪元 2024-01-01T00:00:00Z。时间前缀使 execution_id 范围分区天然对应时间范围。
package snowflake

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// epochMillis 2024-01-01T00:00:00Z 的毫秒时间戳
const epochMillis = 1704067200000

var epochOnce sync.Once

// Generator 进程内 ID 生成器；nodeID 区分多副本（0~1023）
type Generator struct {
	node *snowflake.Node
}

// NewGenerator 创建生成器；nodeID 超出 [0,1023] 时报错
func NewGenerator(nodeID int64) (*Generator, error) {
	epochOnce.Do(func() {
		snowflake.Epoch = epochMillis
	})
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Generator{node: node}, nil
}

// Next 返回下一个 ID；同一生成器内严格递增
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}

// Millis 提取 ID 中的毫秒时间戳（Unix 毫秒）
func Millis(id int64) int64 {
	return (id >> 22) + epochMillis
}
