package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSubmitEncode      ReasonCode = "submit_encode"
	ReasonSubmitTransport   ReasonCode = "submit_transport"
	ReasonSubmitStatus      ReasonCode = "submit_status"
	ReasonSubmitTimeout     ReasonCode = "submit_timeout"
	ReasonSubmitCircuitOpen ReasonCode = "submit_circuit_open"
	ReasonSubmitRejected    ReasonCode = "submit_rejected"

	ReasonConfigInvalid    ReasonCode = "config_invalid"
	ReasonCollectorPayload ReasonCode = "collector_payload"
	ReasonCollectorSink    ReasonCode = "collector_sink"
)
