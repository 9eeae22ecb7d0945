package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonChainInput     ReasonCode = "chain_input"
	ReasonChainInvoke    ReasonCode = "chain_invoke"
	ReasonChainStream    ReasonCode = "chain_stream"
	ReasonChainCancelled ReasonCode = "chain_cancelled"

	ReasonLLMGenerate  ReasonCode = "llm_generate"
	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	ReasonTransportDecode ReasonCode = "transport_decode"
	ReasonTransportSend   ReasonCode = "transport_send"

	ReasonTranscriptWrite ReasonCode = "transcript_write"
)
