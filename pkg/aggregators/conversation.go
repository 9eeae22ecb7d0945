package aggregators

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/harunnryd/relay/pkg/chain"
	"github.com/harunnryd/relay/pkg/frames"
)

const defaultScope = "default"

// entry is a message tagged with the user turn it belongs to. Turn 0
// marks messages appended without a turn.
type entry struct {
	turn int64
	msg  frames.Message
}

// Conversation holds message history per scope. It is shared by the user
// and assistant aggregators and serves as chain memory.
//
// User turns are numbered per scope. Replies are filed under their turn,
// so history for turn N never depends on how far the user aggregator has
// run ahead of the chain.
type Conversation struct {
	mu         sync.Mutex
	system     string
	maxHistory int
	byScope    map[string][]entry
	turns      map[string]int64
}

func NewConversation(system string, maxHistory int) *Conversation {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &Conversation{
		system:     strings.TrimSpace(system),
		maxHistory: maxHistory,
		byScope:    make(map[string][]entry),
		turns:      make(map[string]int64),
	}
}

// ScopeKey prefers the session id, then the stream id.
func ScopeKey(meta map[string]string) string {
	if sid := strings.TrimSpace(meta[frames.MetaSessionID]); sid != "" {
		return "session:" + sid
	}
	if sid := strings.TrimSpace(meta[frames.MetaStreamID]); sid != "" {
		return "stream:" + sid
	}
	return defaultScope
}

// TurnOf returns the turn number in meta, or 0.
func TurnOf(meta map[string]string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(meta[frames.MetaTurn]), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Append adds an untagged message and returns a copy of the resulting history.
func (c *Conversation) Append(scope string, msg frames.Message) []frames.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(scope, append(c.ensureLocked(scope), entry{msg: msg}))
	return c.messagesLocked(scope)
}

// AppendUser adds a user message under the next turn number and returns
// the turn with a copy of the resulting history.
func (c *Conversation) AppendUser(scope string, msg frames.Message) (int64, []frames.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[scope]++
	turn := c.turns[scope]
	c.storeLocked(scope, append(c.ensureLocked(scope), entry{turn: turn, msg: msg}))
	return turn, c.messagesLocked(scope)
}

// SetReply files msg as the reply to turn. An existing reply for the turn
// is replaced; otherwise msg is placed ahead of any later turn. Turn 0
// appends.
func (c *Conversation) SetReply(scope string, turn int64, msg frames.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.ensureLocked(scope)
	if turn <= 0 {
		c.storeLocked(scope, append(msgs, entry{msg: msg}))
		return
	}
	pos := len(msgs)
	for i, e := range msgs {
		if e.turn == turn && e.msg.Role == msg.Role {
			msgs[i].msg = msg
			return
		}
		if e.turn > turn {
			pos = i
			break
		}
	}
	out := make([]entry, 0, len(msgs)+1)
	out = append(out, msgs[:pos]...)
	out = append(out, entry{turn: turn, msg: msg})
	out = append(out, msgs[pos:]...)
	c.storeLocked(scope, out)
}

func (c *Conversation) Messages(scope string) []frames.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLocked(scope)
	return c.messagesLocked(scope)
}

func (c *Conversation) Clear(scope string) {
	c.mu.Lock()
	delete(c.byScope, scope)
	delete(c.turns, scope)
	c.mu.Unlock()
}

// History returns earlier turns for the scope named by the chain metadata
// in ctx, without system messages. With a turn in the metadata only
// messages filed before that turn are returned; without one the trailing
// user message (the current input) is left out.
func (c *Conversation) History(ctx context.Context) []frames.Message {
	meta := chain.MetaFrom(ctx)
	scope := ScopeKey(meta)
	turn := TurnOf(meta)

	c.mu.Lock()
	msgs := append([]entry(nil), c.byScope[scope]...)
	c.mu.Unlock()

	if turn > 0 {
		for i, e := range msgs {
			if e.turn >= turn {
				msgs = msgs[:i]
				break
			}
		}
	} else if n := len(msgs); n > 0 && msgs[n-1].msg.Role == frames.RoleUser {
		msgs = msgs[:n-1]
	}
	out := make([]frames.Message, 0, len(msgs))
	for _, e := range msgs {
		if e.msg.Role != frames.RoleSystem {
			out = append(out, e.msg)
		}
	}
	return out
}

// RecordReply files the chain's reply under the turn in ctx. Without a
// turn it does nothing and the assistant aggregator appends the reply.
func (c *Conversation) RecordReply(ctx context.Context, reply string) {
	meta := chain.MetaFrom(ctx)
	turn := TurnOf(meta)
	reply = strings.TrimSpace(reply)
	if turn == 0 || reply == "" {
		return
	}
	c.SetReply(ScopeKey(meta), turn, frames.Message{Role: frames.RoleAssistant, Content: reply})
}

func (c *Conversation) ensureLocked(scope string) []entry {
	msgs, ok := c.byScope[scope]
	if !ok {
		if c.system != "" {
			msgs = []entry{{msg: frames.Message{Role: frames.RoleSystem, Content: c.system}}}
		}
		c.byScope[scope] = msgs
	}
	return msgs
}

func (c *Conversation) storeLocked(scope string, msgs []entry) {
	c.byScope[scope] = pruneByHistory(msgs, c.maxHistory)
}

func (c *Conversation) messagesLocked(scope string) []frames.Message {
	msgs := c.byScope[scope]
	out := make([]frames.Message, len(msgs))
	for i, e := range msgs {
		out[i] = e.msg
	}
	return out
}

// pruneByHistory drops the oldest non-system messages beyond maxHistory.
func pruneByHistory(messages []entry, maxHistory int) []entry {
	if maxHistory <= 0 {
		return messages
	}
	nonSystem := 0
	for _, e := range messages {
		if e.msg.Role != frames.RoleSystem {
			nonSystem++
		}
	}
	toDrop := nonSystem - maxHistory
	if toDrop <= 0 {
		return messages
	}
	filtered := make([]entry, 0, len(messages)-toDrop)
	for _, e := range messages {
		if toDrop > 0 && e.msg.Role != frames.RoleSystem {
			toDrop--
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

var (
	_ chain.Memory        = (*Conversation)(nil)
	_ chain.ReplyRecorder = (*Conversation)(nil)
)
