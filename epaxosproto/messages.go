package epaxosproto

import "fmt"

type MessageKind uint8

const (
	INIT MessageKind = iota + 1
	INIT_OK
	// external
	REQUEST_MSG
	READ_MSG
	REQUEST_AND_READ_MSG
	REQUEST_REPLY
	READ_REPLY
	REQUEST_AND_READ_REPLY
	// internal
	PREACCEPT
	PREACCEPT_OK
	PREACCEPT_REPLY
	ACCEPT
	ACCEPT_REPLY
	COMMIT
	PREPARE
	PREPARE_REPLY
	TRY_PREACCEPT
	TRY_PREACCEPT_REPLY
)

var kindNames = map[MessageKind]string{
	INIT:                   "init",
	INIT_OK:                "init_ok",
	REQUEST_MSG:            "request",
	READ_MSG:               "read",
	REQUEST_AND_READ_MSG:   "request_and_read",
	REQUEST_REPLY:          "request_reply",
	READ_REPLY:             "read_reply",
	REQUEST_AND_READ_REPLY: "request_and_read_reply",
	PREACCEPT:              "preaccept",
	PREACCEPT_OK:           "preaccept_ok",
	PREACCEPT_REPLY:        "preaccept_reply",
	ACCEPT:                 "accept",
	ACCEPT_REPLY:           "accept_reply",
	COMMIT:                 "commit",
	PREPARE:                "prepare",
	PREPARE_REPLY:          "prepare_reply",
	TRY_PREACCEPT:          "trypreaccept",
	TRY_PREACCEPT_REPLY:    "trypreaccept_reply",
}

func (k MessageKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("MessageKind(%d)", uint8(k))
}

// Internal reports whether the kind travels between replicas only.
func (k MessageKind) Internal() bool {
	return k >= PREACCEPT
}

// Metadata is correlation data owned by the transport. The protocol copies it
// from a request to the replies it causes and never looks inside.
type Metadata map[string]interface{}

type Header struct {
	Src  string   `json:"-"`
	Dest string   `json:"-"`
	Meta Metadata `json:"-"`
}

func (h *Header) Head() *Header { return h }

// Message is the closed set of structs below; dispatch is on Kind.
type Message interface {
	Kind() MessageKind
	Head() *Header
}

func Route(src, dest string, meta Metadata) Header {
	return Header{Src: src, Dest: dest, Meta: meta}
}

type Init struct {
	Header
	NodeId  string
	NodeIds []string
}

type InitOk struct {
	Header
}

type Request struct {
	Header
	Command Command
}

type Read struct {
	Header
	Command Command
}

type RequestAndRead struct {
	Header
	Command Command
}

// ClientReply answers one of the three external requests; ReplyKind picks which.
type ClientReply struct {
	Header
	ReplyKind MessageKind
	Ok        bool
	Value     string
	HasValue  bool
	ErrorCode int
	ErrorText string
}

func OkReply(kind MessageKind, src, dest string, meta Metadata) *ClientReply {
	return &ClientReply{Header: Route(src, dest, meta), ReplyKind: kind, Ok: true}
}

func OkValueReply(kind MessageKind, src, dest string, meta Metadata, value string, hasValue bool) *ClientReply {
	return &ClientReply{Header: Route(src, dest, meta), ReplyKind: kind, Ok: true, Value: value, HasValue: hasValue}
}

func ErrorReply(kind MessageKind, src, dest string, meta Metadata, code int, text string) *ClientReply {
	return &ClientReply{Header: Route(src, dest, meta), ReplyKind: kind, ErrorCode: code, ErrorText: text}
}

type PreAccept struct {
	Header
	LeaderId   string     `json:"leader_id"`
	ReplicaId  string     `json:"replica_id"`
	InstanceId int32      `json:"instance_id"`
	Ballot     Ballot     `json:"ballot"`
	Command    *Command   `json:"command"`
	Attributes Attributes `json:"attributes"`
}

// PreAcceptOK is the cheap acknowledgement for the command leader's own
// instance; the acceptor is Src.
type PreAcceptOK struct {
	Header
	InstanceId int32 `json:"instance_id"`
}

type PreAcceptReply struct {
	Header
	ReplicaId     string           `json:"replica_id"`
	InstanceId    int32            `json:"instance_id"`
	Ok            bool             `json:"ok"`
	Ballot        Ballot           `json:"ballot"`
	Attributes    Attributes       `json:"attributes"`
	CommittedDeps map[string]int32 `json:"committed_deps"`
}

type Accept struct {
	Header
	LeaderId   string     `json:"leader_id"`
	ReplicaId  string     `json:"replica_id"`
	InstanceId int32      `json:"instance_id"`
	Ballot     Ballot     `json:"ballot"`
	Command    *Command   `json:"command"`
	Attributes Attributes `json:"attributes"`
}

type AcceptReply struct {
	Header
	ReplicaId  string `json:"replica_id"`
	InstanceId int32  `json:"instance_id"`
	Ok         bool   `json:"ok"`
	Ballot     Ballot `json:"ballot"`
}

type Commit struct {
	Header
	LeaderId   string     `json:"leader_id"`
	ReplicaId  string     `json:"replica_id"`
	InstanceId int32      `json:"instance_id"`
	Command    *Command   `json:"command"`
	Attributes Attributes `json:"attributes"`
}

type Prepare struct {
	Header
	LeaderId   string `json:"leader_id"`
	ReplicaId  string `json:"replica_id"`
	InstanceId int32  `json:"instance_id"`
	Ballot     Ballot `json:"ballot"`
}

type PrepareReply struct {
	Header
	AcceptorId string         `json:"acceptor_id"`
	ReplicaId  string         `json:"replica_id"`
	InstanceId int32          `json:"instance_id"`
	Ok         bool           `json:"ok"`
	Ballot     Ballot         `json:"ballot"`
	Status     InstanceStatus `json:"status"`
	Command    *Command       `json:"command"`
	Attributes Attributes     `json:"attributes"`

	// AcceptedBallot is the ballot under which Command and Attributes were
	// last set on the acceptor.
	AcceptedBallot Ballot `json:"accepted_ballot"`
}

type TryPreAccept struct {
	Header
	LeaderId   string     `json:"leader_id"`
	ReplicaId  string     `json:"replica_id"`
	InstanceId int32      `json:"instance_id"`
	Ballot     Ballot     `json:"ballot"`
	Command    *Command   `json:"command"`
	Attributes Attributes `json:"attributes"`
}

type TryPreAcceptReply struct {
	Header
	AcceptorId         string         `json:"acceptor_id"`
	ReplicaId          string         `json:"replica_id"`
	InstanceId         int32          `json:"instance_id"`
	Ok                 bool           `json:"ok"`
	Ballot             Ballot         `json:"ballot"`
	ConflictReplicaId  string         `json:"conflict_replica_id"`
	ConflictInstanceId int32          `json:"conflict_instance_id"`
	ConflictStatus     InstanceStatus `json:"conflict_status"`
}

func (*Init) Kind() MessageKind              { return INIT }
func (*InitOk) Kind() MessageKind            { return INIT_OK }
func (*Request) Kind() MessageKind           { return REQUEST_MSG }
func (*Read) Kind() MessageKind              { return READ_MSG }
func (*RequestAndRead) Kind() MessageKind    { return REQUEST_AND_READ_MSG }
func (m *ClientReply) Kind() MessageKind     { return m.ReplyKind }
func (*PreAccept) Kind() MessageKind         { return PREACCEPT }
func (*PreAcceptOK) Kind() MessageKind       { return PREACCEPT_OK }
func (*PreAcceptReply) Kind() MessageKind    { return PREACCEPT_REPLY }
func (*Accept) Kind() MessageKind            { return ACCEPT }
func (*AcceptReply) Kind() MessageKind       { return ACCEPT_REPLY }
func (*Commit) Kind() MessageKind            { return COMMIT }
func (*Prepare) Kind() MessageKind           { return PREPARE }
func (*PrepareReply) Kind() MessageKind      { return PREPARE_REPLY }
func (*TryPreAccept) Kind() MessageKind      { return TRY_PREACCEPT }
func (*TryPreAcceptReply) Kind() MessageKind { return TRY_PREACCEPT_REPLY }

// ReplyKindFor maps an external request kind to the kind of its answer.
func ReplyKindFor(k MessageKind) MessageKind {
	switch k {
	case READ_MSG:
		return READ_REPLY
	case REQUEST_AND_READ_MSG:
		return REQUEST_AND_READ_REPLY
	}
	return REQUEST_REPLY
}
