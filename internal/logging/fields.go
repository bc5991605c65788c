// Package logging supplies a fluent builder for structured log fields,
// shared by every component so the orchestrator's logs are consistently
// keyed regardless of which go-logr backend (zapr in production, a
// testr/funcr sink in tests) is wired in main.
package logging

import "time"

// Fields is an unordered set of structured log key/value pairs
// (insertion order is not kept). It is built with chained calls and flattened to a logr
// key/value slice (or a logrus-style map) at the log call site.
type Fields map[string]interface{}

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogr flattens the set into an alternating key/value slice suitable
// for logr.Logger.Info(msg, kv...).
func (f Fields) ToLogr() []interface{} {
	kv := make([]interface{}, 0, len(f)*2)
	for k, v := range f {
		kv = append(kv, k, v)
	}
	return kv
}

// ToLogrus flattens the set into a map, kept for parity with the
// teacher's original signature and any legacy logrus sinks embedders
// may still wire for their own services.
func (f Fields) ToLogrus() map[string]interface{} {
	return map[string]interface{}(f)
}

// DatabaseFields seeds the common fields for a SQL audit-mirror call.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields seeds the common fields for the observability HTTP surface.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// LoopFields seeds the common fields for a value-loop iteration/action.
func LoopFields(operation, sprintID string) Fields {
	return NewFields().Component("loop").Operation(operation).Resource("sprint", sprintID)
}

// TaskFields seeds the common fields for a task mutation/event.
func TaskFields(operation, taskID string) Fields {
	return NewFields().Component("task").Operation(operation).Resource("task", taskID)
}

// VerificationFields seeds the common fields for a verification run.
func VerificationFields(operation, verificationID string) Fields {
	return NewFields().Component("verification").Operation(operation).Resource("verification", verificationID)
}

// GitFields seeds the common fields for a git-safety operation.
func GitFields(operation, ref string) Fields {
	return NewFields().Component("git").Operation(operation).Resource("ref", ref)
}

// AIFields seeds the common fields for an agent-runtime call.
func AIFields(operation, model string) Fields {
	f := NewFields().Component("ai").Operation(operation)
	if model != "" {
		f["model"] = model
	}
	return f
}

// MetricsFields seeds the common fields for a process-monitor metric
// update.
func MetricsFields(operation, metricName string, value float64) Fields {
	f := NewFields().Component("metrics").Operation(operation)
	f["metric_name"] = metricName
	f["value"] = value
	return f
}

// SecurityFields seeds the common fields for a sensitive-file filter
// or guardrail rejection.
func SecurityFields(operation, subject string) Fields {
	f := NewFields().Component("security").Operation(operation)
	f["subject"] = subject
	return f
}

// PerformanceFields seeds the common fields for a timed operation.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	f := NewFields().Component("performance").Operation(operation).Duration(duration)
	f["success"] = success
	return f
}
