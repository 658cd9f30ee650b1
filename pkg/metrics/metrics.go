package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，由 API 进程注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		ExecutionTotal, ExecutionDuration,
		BrokerEvalDuration, BrokerEvalTotal,
		QueueDepth, QueueLeaseTotal, QueueCompleteTotal, QueueFailTotal, QueueReapedTotal,
		EventEmitTotal, KeychainResolveTotal,
	)
}

// ExecutionTotal 执行总数（按终态）
var ExecutionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_execution_total",
		Help: "执行总数（按终态）",
	},
	[]string{"status"}, // completed | failed
)

// ExecutionDuration 执行耗时（秒），从 execution_start 到终态事件
var ExecutionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "playbook_execution_duration_seconds",
		Help:    "执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"path"},
)

// BrokerEvalDuration 单次 broker 评估耗时（秒）
var BrokerEvalDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "playbook_broker_eval_duration_seconds",
		Help:    "单次 broker 评估耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// BrokerEvalTotal broker 评估次数（按结果）
var BrokerEvalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_broker_eval_total",
		Help: "broker 评估次数",
	},
	[]string{"result"}, // ok | error
)

// QueueDepth 队列深度（按状态，reaper 周期刷新）
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "playbook_queue_depth",
		Help: "队列深度（按状态）",
	},
	[]string{"status"},
)

// QueueLeaseTotal 租约获取次数（granted=false 表示队列为空）
var QueueLeaseTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_queue_lease_total",
		Help: "租约获取次数",
	},
	[]string{"granted"},
)

// QueueCompleteTotal 任务完成数
var QueueCompleteTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "playbook_queue_complete_total",
		Help: "任务完成数",
	},
)

// QueueFailTotal 任务失败数（按去向 retry | dead）
var QueueFailTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_queue_fail_total",
		Help: "任务失败数（按去向）",
	},
	[]string{"disposition"},
)

// QueueReapedTotal 被 reaper 回收的过期租约数
var QueueReapedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "playbook_queue_reaped_total",
		Help: "被 reaper 回收的过期租约数",
	},
)

// EventEmitTotal 事件写入数（按类型）
var EventEmitTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_event_emit_total",
		Help: "事件写入数（按类型）",
	},
	[]string{"event_type"},
)

// KeychainResolveTotal keychain 条目解析次数（按 kind 与结果）
var KeychainResolveTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_keychain_resolve_total",
		Help: "keychain 条目解析次数",
	},
	[]string{"kind", "result"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz /metrics 复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
