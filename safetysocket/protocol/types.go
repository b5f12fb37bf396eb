package protocol

type MessageType uint8

const (
	MessageTypeAuth    MessageType = 1
	MessageTypeWelcome MessageType = 2
	MessageTypeReject  MessageType = 3
	MessageTypeData    MessageType = 4
	MessageTypeNotice  MessageType = 5
	MessageTypeClose   MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeAuth:
		return "AUTH"
	case MessageTypeWelcome:
		return "WELCOME"
	case MessageTypeReject:
		return "REJECT"
	case MessageTypeData:
		return "DATA"
	case MessageTypeNotice:
		return "NOTICE"
	case MessageTypeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}
