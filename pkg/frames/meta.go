package frames

// Metadata keys shared by processors, transports and observers.
const (
	MetaStreamID  = "stream_id"
	MetaTraceID   = "trace_id"
	MetaSessionID = "session_id"
	MetaSource    = "source"
	MetaReason    = "reason"
	MetaIsFinal   = "is_final"
	MetaLanguage  = "language"
	// MetaTurn numbers user turns within a conversation scope.
	MetaTurn = "turn"

	MetaChain      = "chain"
	MetaInvokeMode = "invoke_mode"
	MetaTokenIndex = "token_index"
)

// Values used under MetaSource.
const (
	SourceUser      = "user"
	SourceChain     = "chain"
	SourceTransport = "transport"
)

// CopyRouting returns the routing subset of meta: stream, trace, session,
// language and turn.
func CopyRouting(meta map[string]string) map[string]string {
	out := make(map[string]string, 5)
	for _, k := range []string{MetaStreamID, MetaTraceID, MetaSessionID, MetaLanguage, MetaTurn} {
		if v := meta[k]; v != "" {
			out[k] = v
		}
	}
	return out
}
