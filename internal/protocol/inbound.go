package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks inbound messages that cannot be routed. They are logged
// and dropped.
var ErrMalformed = errors.New("protocol: malformed message")

// Kind enumerates the inbound control messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindInitiateTask
	KindKeepAliveTask
	KindSubscribeToSubfeed
	KindAppendMessagesToSubfeed
	KindProbe
	KindGetUserPermissions
	KindGetBackendInfo
)

var kindNames = map[string]Kind{
	"initiateTask":            KindInitiateTask,
	"keepAliveTask":           KindKeepAliveTask,
	"subscribeToSubfeed":      KindSubscribeToSubfeed,
	"appendMessagesToSubfeed": KindAppendMessagesToSubfeed,
	"probe":                   KindProbe,
	"getUserPermissions":      KindGetUserPermissions,
	"getBackendInfo":          KindGetBackendInfo,
}

// ParseKind maps a wire "type" string to a Kind.
func ParseKind(s string) Kind {
	if k, ok := kindNames[s]; ok {
		return k
	}
	return KindUnknown
}

func (k Kind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return "unknown"
}

// TaskRequest is the task payload of initiateTask.
type TaskRequest struct {
	FunctionID string         `json:"functionId"`
	Kwargs     map[string]any `json:"kwargs"`
}

// Inbound is a decoded control message. Only the fields of its Kind are set.
type Inbound struct {
	Kind    Kind
	Type    string
	IDToken string

	TaskHash string
	Task     TaskRequest

	FeedID      string
	SubfeedHash string
	Messages    []json.RawMessage

	UserID string
}

type wireInbound struct {
	Type        string            `json:"type"`
	IDToken     string            `json:"idToken"`
	TaskHash    string            `json:"taskHash"`
	Task        *TaskRequest      `json:"task"`
	FeedID      string            `json:"feedId"`
	SubfeedHash string            `json:"subfeedHash"`
	Messages    []json.RawMessage `json:"messages"`
	UserID      string            `json:"userId"`
}

// Decode parses and validates one inbound message. Errors wrap ErrMalformed.
// A well-formed message of a type this backend does not know decodes to
// KindUnknown without error so the router can report it.
func Decode(raw []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(raw, &w); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	in := Inbound{Kind: ParseKind(w.Type), Type: w.Type, IDToken: w.IDToken}
	missing := func(field string) (Inbound, error) {
		return Inbound{}, fmt.Errorf("%w: %s without %s", ErrMalformed, w.Type, field)
	}
	switch in.Kind {
	case KindInitiateTask:
		if w.TaskHash == "" {
			return missing("taskHash")
		}
		if w.Task == nil || w.Task.FunctionID == "" {
			return missing("task.functionId")
		}
		if w.Task.Kwargs == nil {
			return missing("task.kwargs")
		}
		in.TaskHash = w.TaskHash
		in.Task = *w.Task
	case KindKeepAliveTask:
		if w.TaskHash == "" {
			return missing("taskHash")
		}
		in.TaskHash = w.TaskHash
	case KindSubscribeToSubfeed:
		if w.FeedID == "" || w.SubfeedHash == "" {
			return missing("feedId/subfeedHash")
		}
		in.FeedID, in.SubfeedHash = w.FeedID, w.SubfeedHash
	case KindAppendMessagesToSubfeed:
		if w.FeedID == "" || w.SubfeedHash == "" {
			return missing("feedId/subfeedHash")
		}
		if w.Messages == nil {
			return missing("messages")
		}
		in.FeedID, in.SubfeedHash, in.Messages = w.FeedID, w.SubfeedHash, w.Messages
	case KindProbe, KindGetBackendInfo:
	case KindGetUserPermissions:
		if w.UserID == "" {
			return missing("userId")
		}
		in.UserID = w.UserID
	case KindUnknown:
		if w.Type == "" {
			return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
		}
	default:
		panic(fmt.Sprintf("protocol: unhandled kind %d", in.Kind))
	}
	return in, nil
}
