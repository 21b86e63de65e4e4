package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonLinkConnect   ReasonCode = "link_connect"
	ReasonLinkTimeout   ReasonCode = "link_connect_timeout"
	ReasonLinkSend      ReasonCode = "link_send"
	ReasonLinkDropped   ReasonCode = "link_dropped"
	ReasonLinkExhausted ReasonCode = "link_retries_exhausted"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMTimeout     ReasonCode = "llm_timeout"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMAuth        ReasonCode = "llm_auth"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"
	ReasonAdmission      ReasonCode = "admission_rejected"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSStream    ReasonCode = "tts_stream"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"
	ReasonTTSExhausted ReasonCode = "tts_retries_exhausted"

	ReasonStoreWrite ReasonCode = "store_write"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportClosed           ReasonCode = "transport_closed"
	ReasonKeepaliveFailed           ReasonCode = "keepalive_failed"
)
