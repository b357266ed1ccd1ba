package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Session setup.
	ReasonCallUnresolved ReasonCode = "call_unresolved"
	ReasonAgentConnect   ReasonCode = "agent_connect"
	ReasonAgentSettings  ReasonCode = "agent_settings"

	// Active bridge.
	ReasonAgentSend     ReasonCode = "agent_send"
	ReasonAgentRead     ReasonCode = "agent_read"
	ReasonStreamSend    ReasonCode = "stream_send"
	ReasonStreamRead    ReasonCode = "stream_read"
	ReasonProtocol      ReasonCode = "protocol"
	ReasonSessionClosed ReasonCode = "session_closed"

	// Persistence.
	ReasonStoreOpen       ReasonCode = "store_open"
	ReasonCallNotFound    ReasonCode = "call_not_found"
	ReasonPatientNotFound ReasonCode = "patient_not_found"
	ReasonFragmentPersist ReasonCode = "fragment_persist"
	ReasonCompleteCall    ReasonCode = "complete_call"

	// Downstream services.
	ReasonExtract          ReasonCode = "extract"
	ReasonExtractRateLimit ReasonCode = "extract_rate_limit"
	ReasonExtractCircuit   ReasonCode = "extract_circuit_open"
	ReasonDial             ReasonCode = "outbound_dial"
	ReasonSMSSend          ReasonCode = "sms_send"

	// Webhooks.
	ReasonInvalidSignature ReasonCode = "webhook_invalid_signature"
)
