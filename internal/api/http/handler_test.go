// Copyright 2026 fanjia1024

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-platform/internal/api/http/middleware"
	"playbook-platform/internal/broker"
	"playbook-platform/internal/catalog"
	"playbook-platform/internal/eventlog"
	"playbook-platform/internal/execution"
	"playbook-platform/internal/keychain"
	"playbook-platform/internal/queue"
	"playbook-platform/pkg/config"
	"playbook-platform/pkg/secrets"
	"playbook-platform/pkg/snowflake"
)

func buildTestServer(t *testing.T) *server.Hertz {
	t.Helper()
	gen, err := snowflake.NewGenerator(5)
	require.NoError(t, err)
	events := eventlog.NewMemoryStore(gen)
	q := queue.NewMemoryStore(gen)
	cat := catalog.New(catalog.NewMemoryStore(), gen)
	kc := keychain.NewMemoryStore()
	b := broker.New(events, q, cat, nil)
	b.SetKeychainStore(kc)
	wl := execution.NewMemoryWorkloadStore()
	ini := execution.NewInitializer(cat, events, wl, nil, b, gen, nil)
	proj := execution.NewProjection(events, wl)
	sec := secrets.NewMemoryStore()
	_ = sec.Set(context.Background(), "db_password", `{"user":"svc","password":"hunter2"}`)

	handler := NewHandler(cat, events, q, b, ini, proj, kc, sec, nil)
	mw, err := middleware.New(&config.APIConfig{})
	require.NoError(t, err)
	return NewRouter(handler, mw).Build(":0")
}

func postJSON(t *testing.T, s *server.Hertz, path string, payload interface{}) *ut.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return ut.PerformRequest(s.Engine, "POST", path,
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func decodeBody(t *testing.T, w *ut.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &out))
	return out
}

const testPlaybook = `
apiVersion: v1
kind: Playbook
metadata:
  path: http/linear
workflow:
  - step: start
    next:
      - step: a
  - step: a
    type: python
    code: "def main(): return 1"
    next:
      - step: end
  - step: end
    result:
      v: "{{ a }}"
`

func TestHealthCheck(t *testing.T) {
	s := buildTestServer(t)
	w := ut.PerformRequest(s.Engine, "GET", "/api/health", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	s := buildTestServer(t)
	w := ut.PerformRequest(s.Engine, "GET", "/api/metrics", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "playbook_")
}

func TestCatalogRegisterAndFetch(t *testing.T) {
	s := buildTestServer(t)

	w := postJSON(t, s, "/api/catalog/register", map[string]interface{}{"content": testPlaybook})
	require.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())
	reg := decodeBody(t, w)
	assert.Equal(t, "http/linear", reg["path"])
	assert.Equal(t, float64(1), reg["version"])

	// 按 path 取回，content 逐字节一致
	w = postJSON(t, s, "/api/catalog/resource", map[string]interface{}{
		"path": "http/linear", "version": "latest",
	})
	require.Equal(t, 200, w.Result().StatusCode())
	res := decodeBody(t, w)
	assert.Equal(t, testPlaybook, res["content"])

	// 按 catalog_id 取回
	w = postJSON(t, s, "/api/catalog/resource", map[string]interface{}{
		"catalog_id": reg["catalog_id"],
	})
	require.Equal(t, 200, w.Result().StatusCode())

	// 重新注册同一 path 版本号递增
	w = postJSON(t, s, "/api/catalog/register", map[string]interface{}{"content": testPlaybook})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(2), decodeBody(t, w)["version"])

	w = postJSON(t, s, "/api/catalog/list", map[string]interface{}{})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(2), decodeBody(t, w)["total"])
}

func TestCatalogRegisterRawYAML(t *testing.T) {
	s := buildTestServer(t)
	body := []byte(testPlaybook)
	w := ut.PerformRequest(s.Engine, "POST", "/api/catalog/register",
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/yaml"})
	assert.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())
}

func TestCatalogRegisterErrors(t *testing.T) {
	s := buildTestServer(t)

	// YAML 非法
	w := postJSON(t, s, "/api/catalog/register", map[string]interface{}{"content": "{{not yaml"})
	assert.Equal(t, 400, w.Result().StatusCode())

	// 缺 metadata.path
	w = postJSON(t, s, "/api/catalog/register", map[string]interface{}{
		"content": "apiVersion: v1\nkind: Playbook\nworkflow:\n  - step: start\n",
	})
	assert.Equal(t, 400, w.Result().StatusCode())

	// 空 body
	w = postJSON(t, s, "/api/catalog/register", map[string]interface{}{})
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestExecuteUnknownPath(t *testing.T) {
	s := buildTestServer(t)
	w := postJSON(t, s, "/api/execute", map[string]interface{}{"path": "no/such"})
	assert.Equal(t, 404, w.Result().StatusCode())
}

// TestWorkerProtocol 走完整 worker 协议：注册、执行、租约、事件上报、完成、巡检
func TestWorkerProtocol(t *testing.T) {
	s := buildTestServer(t)

	w := postJSON(t, s, "/api/catalog/register", map[string]interface{}{"content": testPlaybook})
	require.Equal(t, 200, w.Result().StatusCode())

	w = postJSON(t, s, "/api/execute", map[string]interface{}{"path": "http/linear"})
	require.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())
	execID := decodeBody(t, w)["execution_id"].(string)
	require.NotEmpty(t, execID)

	// 执行中
	w = ut.PerformRequest(s.Engine, "GET", "/api/executions/"+execID, &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "running", decodeBody(t, w)["status"])

	// worker 租到步骤 a
	w = postJSON(t, s, "/api/queue/lease", map[string]interface{}{"worker_id": "w1"})
	require.Equal(t, 200, w.Result().StatusCode())
	leased := decodeBody(t, w)
	assert.Equal(t, "ok", leased["status"])
	require.NotNil(t, leased["job"])
	job := leased["job"].(map[string]interface{})
	queueID := job["queue_id"].(string)
	nodeID := job["node_id"].(string)
	assert.Equal(t, execID, job["execution_id"])
	assert.Equal(t, float64(1), job["attempts"])
	assert.Equal(t, float64(queue.DefaultMaxAttempts), job["max_attempts"])
	action := job["action"].(map[string]interface{})
	assert.Equal(t, "a", action["step"])

	// 队列空时再租 job 为空
	w = postJSON(t, s, "/api/queue/lease", map[string]interface{}{"worker_id": "w2"})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Nil(t, decodeBody(t, w)["job"])

	// 心跳
	w = postJSON(t, s, "/api/queue/"+queueID+"/heartbeat", map[string]interface{}{"extend_seconds": 30})
	require.Equal(t, 200, w.Result().StatusCode())

	// 上报 action_completed
	w = postJSON(t, s, "/api/events", map[string]interface{}{
		"execution_id": execID,
		"event_type":   string(eventlog.ActionCompleted),
		"node_id":      nodeID,
		"node_name":    "a",
		"node_type":    "action",
		"status":       string(eventlog.StatusSuccess),
		"result":       map[string]interface{}{"result": 1},
	})
	require.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())

	w = postJSON(t, s, "/api/queue/"+queueID+"/complete", nil)
	require.Equal(t, 200, w.Result().StatusCode())

	// 终态
	w = ut.PerformRequest(s.Engine, "GET", "/api/executions/"+execID, &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	require.Equal(t, 200, w.Result().StatusCode())
	view := decodeBody(t, w)
	assert.Equal(t, "completed", view["status"])
	assert.Equal(t, map[string]interface{}{"v": float64(1)}, view["result"])

	// 事件日志可按类型过滤
	w = ut.PerformRequest(s.Engine, "GET",
		"/api/events/by-execution/"+execID+"?event_type=execution_complete",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(1), decodeBody(t, w)["total"])

	// 列表
	w = ut.PerformRequest(s.Engine, "GET", "/api/executions", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(1), decodeBody(t, w)["total"])
}

func TestQueueFailToDead(t *testing.T) {
	s := buildTestServer(t)

	w := postJSON(t, s, "/api/catalog/register", map[string]interface{}{"content": testPlaybook})
	require.Equal(t, 200, w.Result().StatusCode())
	w = postJSON(t, s, "/api/execute", map[string]interface{}{"path": "http/linear"})
	require.Equal(t, 200, w.Result().StatusCode())
	execID := decodeBody(t, w)["execution_id"].(string)

	w = postJSON(t, s, "/api/queue/lease", map[string]interface{}{"worker_id": "w1"})
	queueID := decodeBody(t, w)["job"].(map[string]interface{})["queue_id"].(string)

	// retry=false 直接进 dead，执行标记失败
	w = postJSON(t, s, "/api/queue/"+queueID+"/fail", map[string]interface{}{
		"error": "boom", "retry": false,
	})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, true, decodeBody(t, w)["dead"])

	w = ut.PerformRequest(s.Engine, "GET", "/api/executions/"+execID, &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	view := decodeBody(t, w)
	assert.Equal(t, "failed", view["status"])
	assert.Equal(t, "boom", view["error"])
	assert.Equal(t, "a", view["failed_step"])

	w = ut.PerformRequest(s.Engine, "GET", "/api/queue/size?status=dead", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
}

func TestEmitEventValidation(t *testing.T) {
	s := buildTestServer(t)

	// 缺 execution_id
	w := postJSON(t, s, "/api/events", map[string]interface{}{
		"event_type": "action_completed",
	})
	assert.Equal(t, 400, w.Result().StatusCode())

	// 未知事件类型
	w = postJSON(t, s, "/api/events", map[string]interface{}{
		"execution_id": "42", "event_type": "made_up",
	})
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestKeychainAndCredentials(t *testing.T) {
	s := buildTestServer(t)

	w := postJSON(t, s, "/api/keychain/77/api_token", map[string]interface{}{
		"token_data":      map[string]interface{}{"access_token": "tok-1", "token_type": "Bearer"},
		"credential_type": "bearer",
		"scope_type":      keychain.ScopeCatalog,
	})
	require.Equal(t, 200, w.Result().StatusCode(), "body: %s", w.Result().Body())

	// 不带 include_data 只给元数据
	w = ut.PerformRequest(s.Engine, "GET", "/api/credentials/api_token?catalog_id=77",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	require.Equal(t, 200, w.Result().StatusCode())
	got := decodeBody(t, w)
	assert.Equal(t, "keychain", got["source"])
	assert.Nil(t, got["token_data"])

	w = ut.PerformRequest(s.Engine, "GET", "/api/credentials/api_token?catalog_id=77&include_data=true",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	got = decodeBody(t, w)
	data := got["token_data"].(map[string]interface{})
	assert.Equal(t, "tok-1", data["access_token"])

	// keychain 没有时回落到凭据存储
	w = ut.PerformRequest(s.Engine, "GET", "/api/credentials/db_password?include_data=true",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	require.Equal(t, 200, w.Result().StatusCode())
	got = decodeBody(t, w)
	assert.Equal(t, "secrets", got["source"])

	w = ut.PerformRequest(s.Engine, "GET", "/api/credentials/nope",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	assert.Equal(t, 404, w.Result().StatusCode())
}

func TestExecuteNeedsTarget(t *testing.T) {
	s := buildTestServer(t)
	w := postJSON(t, s, "/api/execute", map[string]interface{}{})
	assert.Equal(t, 400, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "catalog_id or path")
}
