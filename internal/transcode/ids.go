package transcode

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const messageIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewMessageID generates an Anthropic-style message id: "msg_" followed by
// 20 base62 characters.
func NewMessageID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	var b strings.Builder
	b.Grow(24)
	b.WriteString("msg_")
	for _, c := range buf {
		b.WriteByte(messageIDAlphabet[int(c)%len(messageIDAlphabet)])
	}
	return b.String()
}

// NormalizeMessageID rewrites an upstream message id into Anthropic form.
// "msg_*" ids pass through, "chatcmpl-*" ids keep their suffix, anything
// else is replaced with a freshly generated id.
func NormalizeMessageID(id string) string {
	switch {
	case strings.HasPrefix(id, "msg_"):
		return id
	case strings.HasPrefix(id, "chatcmpl-"):
		return "msg_" + strings.TrimPrefix(id, "chatcmpl-")
	default:
		return NewMessageID()
	}
}

// NewToolUseID formats the n-th inline tool call id of a response.
func NewToolUseID(n int) string {
	return fmt.Sprintf("call_%012df", n)
}
