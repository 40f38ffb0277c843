package mqcore

import "time"

// UserProperty is a single MQTT v5 user property (key/value pair); a publish
// may carry any number of them, including repeated keys.
type UserProperty struct {
	Key   string
	Value string
}

// PayloadFormat is the MQTT v5 payload format indicator.
type PayloadFormat uint8

const (
	// PayloadFormatBytes means the payload is unspecified bytes.
	PayloadFormatBytes PayloadFormat = 0
	// PayloadFormatUTF8 means the payload is UTF-8 character data.
	PayloadFormatUTF8 PayloadFormat = 1
)

// Properties is the subset of MQTT v5 PUBLISH properties this runtime
// threads through its layers (§3 Publish Record).
type Properties struct {
	ContentType     string
	PayloadFormat   PayloadFormat
	CorrelationData []byte
	ResponseTopic   string
	// MessageExpiry is zero when absent; MQTT v5 spells this out as a
	// dedicated presence bit, but this runtime never needs to distinguish
	// "expiry of zero seconds" from "no expiry" since §4.7 always sets it
	// from a request timeout ceiling ≥ 1 second.
	MessageExpiry  time.Duration
	UserProperties []UserProperty
}

// Get returns the value of the first user property with the given key.
func (p *Properties) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, up := range p.UserProperties {
		if up.Key == key {
			return up.Value, true
		}
	}
	return "", false
}

// Set replaces (or appends) the first user property with the given key.
func (p *Properties) Set(key, value string) {
	for i := range p.UserProperties {
		if p.UserProperties[i].Key == key {
			p.UserProperties[i].Value = value
			return
		}
	}
	p.UserProperties = append(p.UserProperties, UserProperty{Key: key, Value: value})
}

// Reserved MQTT v5 user property names (§6).
const (
	UserPropSourceID       = "__srcId"
	UserPropProtocolVer    = "__protVer"
	UserPropStatus         = "__stat"
	UserPropStatusMessage  = "__stErr"
	UserPropAppError       = "__apErr"
	UserPropFencingToken   = "__ft"
	UserPropTimestamp      = "__ts"
	UserPropSupportedMajor = "__supProtMajVer"
)

// CloudEvents attribute names carried as user properties (§4.9, §6).
const (
	CloudEventSpecVersion     = "specversion"
	CloudEventType            = "type"
	CloudEventSource          = "source"
	CloudEventID              = "id"
	CloudEventSubject         = "subject"
	CloudEventTime            = "time"
	CloudEventDataContentType = "datacontenttype"
	CloudEventDataSchema      = "dataschema"
)
