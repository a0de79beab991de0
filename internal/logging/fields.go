package logging

const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	FieldUserID    = "user_id"
	FieldRoomID    = "room_id"
	FieldMessageID = "message_id"
	FieldConnID    = "conn_id"
	FieldEvent     = "event"
	FieldOp        = "op"
)
