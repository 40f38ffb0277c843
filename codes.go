package mqcore

import "fmt"

// ReasonCode is an MQTT v5 reason code as carried in PUBACK, SUBACK,
// UNSUBACK, CONNACK, DISCONNECT, and AUTH packets. Codes 0x00-0x7F indicate
// success; 0x80-0xFF indicate failure.
type ReasonCode uint8

const (
	ReasonCodeSuccess              ReasonCode = 0x00
	ReasonCodeGrantedQoS1          ReasonCode = 0x01
	ReasonCodeNoMatchingSubscriber ReasonCode = 0x10
	ReasonCodeUnspecifiedError     ReasonCode = 0x80
	ReasonCodeMalformedPacket      ReasonCode = 0x81
	ReasonCodeProtocolError        ReasonCode = 0x82
	ReasonCodeImplementationError  ReasonCode = 0x83
	ReasonCodeNotAuthorized        ReasonCode = 0x87
	ReasonCodeServerBusy           ReasonCode = 0x89
	ReasonCodeServerShuttingDown   ReasonCode = 0x8B
	ReasonCodeKeepAliveTimeout     ReasonCode = 0x8D
	ReasonCodeSessionTakenOver     ReasonCode = 0x8E
	ReasonCodeTopicFilterInvalid   ReasonCode = 0x8F
	ReasonCodeTopicNameInvalid     ReasonCode = 0x90
	ReasonCodePacketIDInUse        ReasonCode = 0x91
	ReasonCodeQuotaExceeded        ReasonCode = 0x97
	ReasonCodePayloadFormatInvalid ReasonCode = 0x99
)

// reasonCodeNames maps the codes this module emits or interprets to a
// human-readable description, used in log lines and Error.Message.
var reasonCodeNames = map[ReasonCode]string{
	ReasonCodeSuccess:              "Success",
	ReasonCodeGrantedQoS1:          "Granted QoS 1",
	ReasonCodeNoMatchingSubscriber: "No matching subscriber",
	ReasonCodeUnspecifiedError:     "Unspecified error",
	ReasonCodeMalformedPacket:      "Malformed packet",
	ReasonCodeProtocolError:        "Protocol error",
	ReasonCodeImplementationError:  "Implementation specific error",
	ReasonCodeNotAuthorized:        "Not authorized",
	ReasonCodeServerBusy:           "Server busy",
	ReasonCodeServerShuttingDown:   "Server shutting down",
	ReasonCodeKeepAliveTimeout:     "Keep alive timeout",
	ReasonCodeSessionTakenOver:     "Session taken over",
	ReasonCodeTopicFilterInvalid:   "Topic filter invalid",
	ReasonCodeTopicNameInvalid:     "Topic name invalid",
	ReasonCodeQuotaExceeded:        "Quota exceeded",
	ReasonCodePayloadFormatInvalid: "Payload format invalid",
}

// String returns a human-readable name for the reason code, or "unknown
// (0xNN)" for codes this module doesn't name explicitly.
func (rc ReasonCode) String() string {
	if name, ok := reasonCodeNames[rc]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%02X)", uint8(rc))
}

// IsSuccess reports whether the code is in the success range (< 0x80).
func (rc ReasonCode) IsSuccess() bool { return rc < 0x80 }
