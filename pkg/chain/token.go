package chain

// MessageChunk is a structured incremental message token.
type MessageChunk struct {
	Role    string
	Content string
	ID      string
}

// TokenText extracts the text carried by a streamed token. Plain strings
// and message chunks are recognised; any other shape yields ("", false).
func TokenText(tok any) (string, bool) {
	switch v := tok.(type) {
	case string:
		return v, true
	case MessageChunk:
		return v.Content, true
	case *MessageChunk:
		if v == nil {
			return "", false
		}
		return v.Content, true
	default:
		return "", false
	}
}
