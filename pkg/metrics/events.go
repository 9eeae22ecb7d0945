package metrics

// Event names emitted by the chain processor, the llm adapters and the pipeline.
const (
	EventChainInvokeStart = "chain_invoke_start"
	EventChainFirstToken  = "chain_first_token"
	EventChainDone        = "chain_done"
	EventChainCancelled   = "chain_cancelled"
	EventChainError       = "chain_error"

	EventBreakerOpen   = "llm_breaker_open"
	EventBreakerClose  = "llm_breaker_close"
	EventBreakerDenied = "llm_breaker_denied"
	EventRateLimit     = "llm_rate_limit"

	EventStageLatency = "stage_latency_us"
	EventStageError   = "stage_error"
	EventFrameIn      = "frame_in"
	EventFrameOut     = "frame_out"
	EventFrameDrop    = "frame_drop"

	EventResponseUnclosed = "response_bracket_unclosed"
)

// critical events are never dropped by sampling.
var critical = map[string]bool{
	EventChainCancelled:   true,
	EventChainError:       true,
	EventStageError:       true,
	EventBreakerOpen:      true,
	EventResponseUnclosed: true,
}

// IsCritical reports whether an event must bypass sampling.
func IsCritical(name string) bool {
	return critical[name]
}
