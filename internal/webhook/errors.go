package webhook

import "strings"

// Kind classifies the failure modes of one unit of work. Each kind maps to a
// fixed user-facing reply so chat users never see raw stack traces or JSON.
type Kind int

const (
	// KindDecode is a malformed update body. There is no chat to answer, so
	// it surfaces as an HTTP error instead of a reply.
	KindDecode Kind = iota
	// KindConstruction is a failure to open a conversation for the chat.
	KindConstruction
	// KindSendTimeout is a backend call that exceeded the per-call deadline.
	KindSendTimeout
	// KindSendFailure is any other backend call failure.
	KindSendFailure
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindConstruction:
		return "construction"
	case KindSendTimeout:
		return "send_timeout"
	case KindSendFailure:
		return "send_failure"
	default:
		return "unknown"
	}
}

// userReply renders the chat message for a failure kind. cause is included
// only for plain send failures, trimmed to one line.
func userReply(k Kind, cause error) string {
	switch k {
	case KindConstruction:
		return "⚠️ I couldn't start our session. Please try again in a moment."
	case KindSendTimeout:
		return "⚠️ That took too long to answer. Please send your message again."
	case KindSendFailure:
		msg := "⚠️ Something went wrong while preparing your answer."
		if cause != nil {
			if line := firstLine(cause.Error()); line != "" {
				msg += " (" + line + ")"
			}
		}
		return msg
	default:
		return "⚠️ Something went wrong. Please try again."
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
