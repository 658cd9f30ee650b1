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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"playbook-platform/pkg/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 退出码：0 成功，2 参数错误，1 其余失败
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 2
	}
	cmd := args[0]
	args = args[1:]
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, "playbook-platform cli 0.1.0")
		return 0
	case "config":
		return runConfig(stdout, stderr)
	case "register":
		if len(args) < 1 {
			fmt.Fprintln(stderr, "Usage: playbook register <file> [resource_type]")
			return 2
		}
		resourceType := ""
		if len(args) > 1 {
			resourceType = args[1]
		}
		return runRegister(args[0], resourceType, stdout, stderr)
	case "execute":
		if len(args) < 1 {
			fmt.Fprintln(stderr, "Usage: playbook execute <path> [payload.json]")
			return 2
		}
		payloadFile := ""
		if len(args) > 1 {
			payloadFile = args[1]
		}
		return runExecute(args[0], payloadFile, stdout, stderr)
	case "events":
		if len(args) < 1 {
			fmt.Fprintln(stderr, "Usage: playbook events <execution_id>")
			return 2
		}
		return runEvents(args[0], stdout, stderr)
	case "status":
		if len(args) < 1 {
			fmt.Fprintln(stderr, "Usage: playbook status <execution_id>")
			return 2
		}
		return runStatus(args[0], stdout, stderr)
	case "executions":
		return runExecutions(stdout, stderr)
	case "queue":
		if len(args) < 1 || args[0] != "size" {
			fmt.Fprintln(stderr, "Usage: playbook queue size")
			return 2
		}
		return runQueueSize(stdout, stderr)
	default:
		printUsage(stdout)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: playbook <command> [args]")
	fmt.Fprintln(w, "  version                      - 显示版本")
	fmt.Fprintln(w, "  config                       - 显示配置概要")
	fmt.Fprintln(w, "  register <file> [type]       - 注册 playbook，返回 catalog_id 与版本")
	fmt.Fprintln(w, "  execute <path> [payload.json] - 启动执行，返回 execution_id")
	fmt.Fprintln(w, "  status <execution_id>        - 查看执行投影视图")
	fmt.Fprintln(w, "  events <execution_id>        - 输出执行的事件日志")
	fmt.Fprintln(w, "  executions                   - 列出最近的执行")
	fmt.Fprintln(w, "  queue size                   - 各状态队列条目计数")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "服务地址取自 PLAYBOOK_API_URL，缺省 http://localhost:8080")
}

func runConfig(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "api.host=%s\n", cfg.API.Host)
	fmt.Fprintf(stdout, "api.port=%d\n", cfg.API.Port)
	fmt.Fprintf(stdout, "storage.type=%s\n", cfg.Storage.Type)
	fmt.Fprintf(stdout, "secrets.provider=%s\n", cfg.Secrets.Provider)
	return 0
}

func runRegister(file, resourceType string, stdout, stderr io.Writer) int {
	content, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(stderr, "读取 %s 失败: %v\n", file, err)
		return 2
	}
	out, err := registerPlaybook(string(content), resourceType)
	if err != nil {
		fmt.Fprintf(stderr, "注册失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}

func runExecute(path, payloadFile string, stdout, stderr io.Writer) int {
	var payload map[string]interface{}
	if payloadFile != "" {
		b, err := os.ReadFile(payloadFile)
		if err != nil {
			fmt.Fprintf(stderr, "读取 %s 失败: %v\n", payloadFile, err)
			return 2
		}
		if err := json.Unmarshal(b, &payload); err != nil {
			fmt.Fprintf(stderr, "%s 不是合法 JSON: %v\n", payloadFile, err)
			return 2
		}
	}
	id, err := executePlaybook(path, payload)
	if err != nil {
		fmt.Fprintf(stderr, "执行失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, id)
	return 0
}

func runEvents(executionID string, stdout, stderr io.Writer) int {
	out, err := listEvents(executionID)
	if err != nil {
		fmt.Fprintf(stderr, "获取事件失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}

func runStatus(executionID string, stdout, stderr io.Writer) int {
	out, err := getExecution(executionID)
	if err != nil {
		fmt.Fprintf(stderr, "查询失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}

func runExecutions(stdout, stderr io.Writer) int {
	out, err := listExecutions()
	if err != nil {
		fmt.Fprintf(stderr, "列出执行失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}

func runQueueSize(stdout, stderr io.Writer) int {
	out, err := queueSize()
	if err != nil {
		fmt.Fprintf(stderr, "查询队列失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}
