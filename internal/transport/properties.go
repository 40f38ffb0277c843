package transport

import (
	"time"

	"github.com/brinkhaus/mqcore"
	"github.com/brinkhaus/mqcore/internal/packets"
)

func toWireProperties(p *mqcore.Properties) *packets.Properties {
	if p == nil {
		return nil
	}
	wire := &packets.Properties{}
	if p.ContentType != "" {
		wire.ContentType = p.ContentType
		wire.Presence |= packets.PresContentType
	}
	wire.PayloadFormatIndicator = uint8(p.PayloadFormat)
	wire.Presence |= packets.PresPayloadFormatIndicator
	if len(p.CorrelationData) > 0 {
		wire.CorrelationData = p.CorrelationData
	}
	if p.ResponseTopic != "" {
		wire.ResponseTopic = p.ResponseTopic
		wire.Presence |= packets.PresResponseTopic
	}
	if p.MessageExpiry > 0 {
		wire.MessageExpiryInterval = uint32(p.MessageExpiry / time.Second)
		wire.Presence |= packets.PresMessageExpiryInterval
	}
	for _, up := range p.UserProperties {
		wire.UserProperties = append(wire.UserProperties, packets.UserProperty{Key: up.Key, Value: up.Value})
	}
	return wire
}

func fromWireProperties(wire *packets.Properties) *mqcore.Properties {
	if wire == nil {
		return nil
	}
	p := &mqcore.Properties{
		ContentType:   wire.ContentType,
		ResponseTopic: wire.ResponseTopic,
		PayloadFormat: mqcore.PayloadFormat(wire.PayloadFormatIndicator),
	}
	if len(wire.CorrelationData) > 0 {
		p.CorrelationData = append([]byte(nil), wire.CorrelationData...)
	}
	if wire.Presence&packets.PresMessageExpiryInterval != 0 {
		p.MessageExpiry = time.Duration(wire.MessageExpiryInterval) * time.Second
	}
	for _, up := range wire.UserProperties {
		p.UserProperties = append(p.UserProperties, mqcore.UserProperty{Key: up.Key, Value: up.Value})
	}
	return p
}
