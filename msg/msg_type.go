package msg

import "strconv"

// MessageType is the tag written in front of every frame on the wire.
type MessageType uint32

const (
	UndefinedMsg MessageType = 0
	JobMsg       MessageType = 1
	CreditMsg    MessageType = 2
	ResultMsg    MessageType = 3
	ControlMsg   MessageType = 4
	WakeMsg      MessageType = 5
	WakeReplyMsg MessageType = 6
	BundleMsg    MessageType = 7
	BundleAckMsg MessageType = 8
)

var messageTypeNames = map[MessageType]string{
	UndefinedMsg: "Undefined",
	JobMsg:       "Job",
	CreditMsg:    "Credit",
	ResultMsg:    "Result",
	ControlMsg:   "Control",
	WakeMsg:      "Wake",
	WakeReplyMsg: "WakeReply",
	BundleMsg:    "Bundle",
	BundleAckMsg: "BundleAck",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "MessageType(" + strconv.FormatUint(uint64(t), 10) + ")"
}
