package epaxosproto

import (
	"encoding/json"
	"fmt"
)

// Operation ids understood by the key/value state machine.
const (
	GetOperation = "get"
	PutOperation = "put"
	CasOperation = "cas"
)

const (
	MetaMsgId    = "msg_id"
	MetaRespType = "resp_type"
)

// Envelope is one line of the Maelstrom protocol, also used as the TCP frame body.
type Envelope struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

type clientBody struct {
	Type      string          `json:"type"`
	MsgId     *int64          `json:"msg_id,omitempty"`
	InReplyTo *int64          `json:"in_reply_to,omitempty"`
	Key       json.RawMessage `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	From      json.RawMessage `json:"from,omitempty"`
	To        json.RawMessage `json:"to,omitempty"`
	Code      int             `json:"code,omitempty"`
	Text      string          `json:"text,omitempty"`
	NodeId    string          `json:"node_id,omitempty"`
	NodeIds   []string        `json:"node_ids,omitempty"`
}

type internalBody struct {
	Type  string          `json:"type"`
	MsgId int64           `json:"msg_id"`
	M     json.RawMessage `json:"m"`
}

type UnknownMessageError struct {
	Type string
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

func (m Metadata) Int64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

var internalKinds = map[string]func() Message{
	"preaccept":          func() Message { return &PreAccept{} },
	"preaccept_ok":       func() Message { return &PreAcceptOK{} },
	"preaccept_reply":    func() Message { return &PreAcceptReply{} },
	"accept":             func() Message { return &Accept{} },
	"accept_reply":       func() Message { return &AcceptReply{} },
	"commit":             func() Message { return &Commit{} },
	"prepare":            func() Message { return &Prepare{} },
	"prepare_reply":      func() Message { return &PrepareReply{} },
	"trypreaccept":       func() Message { return &TryPreAccept{} },
	"trypreaccept_reply": func() Message { return &TryPreAcceptReply{} },
}

func rawOrNull(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

func okType(m *ClientReply) string {
	if t := m.Meta.String(MetaRespType); t != "" {
		return t
	}
	switch m.ReplyKind {
	case READ_REPLY:
		return "read_ok"
	case REQUEST_AND_READ_REPLY:
		return "cas_ok"
	}
	return "write_ok"
}

// Marshal renders m as one envelope; msgId is stamped into the body.
func Marshal(m Message, msgId int64) ([]byte, error) {
	h := m.Head()
	var body interface{}
	switch t := m.(type) {
	case *InitOk:
		b := clientBody{Type: "init_ok", MsgId: &msgId}
		if id, ok := t.Meta.Int64(MetaMsgId); ok {
			b.InReplyTo = &id
		}
		body = b
	case *ClientReply:
		b := clientBody{MsgId: &msgId}
		if id, ok := t.Meta.Int64(MetaMsgId); ok {
			b.InReplyTo = &id
		}
		if t.Ok {
			b.Type = okType(t)
			if t.HasValue {
				b.Value = rawOrNull(t.Value)
			}
		} else {
			b.Type = "error"
			b.Code = t.ErrorCode
			b.Text = t.ErrorText
		}
		body = b
	case *Read:
		b := clientBody{Type: "read", MsgId: &msgId, Key: rawOrNull(t.Command.Key)}
		body = b
	case *Request:
		b := clientBody{Type: "write", MsgId: &msgId, Key: rawOrNull(t.Command.Key), Value: rawOrNull(t.Command.Value)}
		body = b
	case *RequestAndRead:
		b := clientBody{Type: "cas", MsgId: &msgId, Key: rawOrNull(t.Command.Key),
			From: rawOrNull(t.Command.IfValue), To: rawOrNull(t.Command.Value)}
		body = b
	default:
		if !m.Kind().Internal() {
			return nil, &UnknownMessageError{m.Kind().String()}
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		body = internalBody{Type: m.Kind().String(), MsgId: msgId, M: raw}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Src: h.Src, Dest: h.Dest, Body: raw})
}

// Unmarshal parses one envelope into its message. Client requests get the
// original msg_id and the expected ok type recorded in Meta.
func Unmarshal(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Body, &probe); err != nil {
		return nil, err
	}
	if mk, ok := internalKinds[probe.Type]; ok {
		var b internalBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		m := mk()
		if err := json.Unmarshal(b.M, m); err != nil {
			return nil, err
		}
		*m.Head() = Route(env.Src, env.Dest, Metadata{MetaMsgId: b.MsgId})
		return m, nil
	}

	var b clientBody
	if err := json.Unmarshal(env.Body, &b); err != nil {
		return nil, err
	}
	meta := Metadata{}
	if b.MsgId != nil {
		meta[MetaMsgId] = *b.MsgId
	}
	replyMeta := func(respType string) Metadata {
		meta[MetaRespType] = respType
		return meta
	}
	inReply := Metadata{}
	if b.InReplyTo != nil {
		inReply[MetaMsgId] = *b.InReplyTo
	}
	switch b.Type {
	case "init":
		return &Init{Header: Route(env.Src, env.Dest, meta), NodeId: b.NodeId, NodeIds: b.NodeIds}, nil
	case "init_ok":
		return &InitOk{Header: Route(env.Src, env.Dest, inReply)}, nil
	case "read":
		return &Read{Route(env.Src, env.Dest, replyMeta("read_ok")),
			Command{Operation: GetOperation, Key: string(b.Key)}}, nil
	case "write":
		return &Request{Route(env.Src, env.Dest, replyMeta("write_ok")),
			Command{Operation: PutOperation, Key: string(b.Key), Value: string(b.Value)}}, nil
	case "cas":
		return &RequestAndRead{Route(env.Src, env.Dest, replyMeta("cas_ok")),
			Command{Operation: CasOperation, Key: string(b.Key), Value: string(b.To), IfValue: string(b.From)}}, nil
	case "read_ok":
		return &ClientReply{Header: Route(env.Src, env.Dest, inReply), ReplyKind: READ_REPLY, Ok: true,
			Value: string(b.Value), HasValue: len(b.Value) > 0}, nil
	case "write_ok":
		return &ClientReply{Header: Route(env.Src, env.Dest, inReply), ReplyKind: REQUEST_REPLY, Ok: true}, nil
	case "cas_ok":
		return &ClientReply{Header: Route(env.Src, env.Dest, inReply), ReplyKind: REQUEST_AND_READ_REPLY, Ok: true}, nil
	case "error":
		return &ClientReply{Header: Route(env.Src, env.Dest, inReply), ReplyKind: REQUEST_REPLY,
			ErrorCode: b.Code, ErrorText: b.Text}, nil
	}
	return nil, &UnknownMessageError{b.Type}
}
