package mqcore

// QoS is an MQTT quality of service level. Only QoS 0 and QoS 1 are in
// scope for this runtime (§1 Non-goals).
type QoS uint8

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
)

// Publish is an incoming MQTT v5 PUBLISH record (§3).
type Publish struct {
	// PacketID is the 16-bit MQTT packet identifier; 0 for QoS 0 messages.
	PacketID   uint16
	Topic      string
	QoS        QoS
	Payload    []byte
	Properties *Properties
	// Dup is true when the broker has marked this publish as a possible
	// retransmission of an earlier, unacknowledged delivery.
	Dup bool
}

// AckDescriptor carries what the ordered acker needs to emit a network
// PUBACK once a Publish's recipients have all released it: the packet id
// plus the last reason code/string reported by a recipient.
type AckDescriptor struct {
	PacketID     uint16
	ReasonCode   ReasonCode
	ReasonString string
}
