package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Session
	FieldConnectionID = "connection_id"
	FieldUsername     = "username"
	FieldOffset       = "offset"
	FieldRecovered    = "recovered"

	// Message
	FieldMessageID      = "message_id"
	FieldIdempotencyKey = "idempotency_key"

	// Process
	FieldService  = "service"
	FieldWorkerID = "worker_id"
	FieldPID      = "pid"
	FieldPort     = "port"

	// Fan-out
	FieldChannel = "channel"
	FieldDriver  = "driver"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
