// Package telemetry implements the Telemetry Sender and Receiver (§4.9):
// fire-and-forget publish/subscribe of typed payloads with optional
// CloudEvents v1.0 attributes carried as MQTT v5 user properties.
package telemetry

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/brinkhaus/mqcore"
)

// DefaultSpecVersion is the only CloudEvents spec version this runtime
// understands; producers must use it verbatim.
const DefaultSpecVersion = "1.0"

// DefaultEventType is used when a Sender's caller doesn't supply one.
const DefaultEventType = "ms.aio.telemetry"

var dataContentTypeRe = regexp.MustCompile(`^([-a-z]+)/([-a-z0-9.\-]+)(?:\+([a-z0-9.\-]+))?$`)

// CloudEvent is the subset of CloudEvents v1.0 context attributes this
// runtime threads through telemetry messages as MQTT user properties.
type CloudEvent struct {
	SpecVersion     string
	Type            string
	Source          string
	ID              string
	Subject         string
	Time            time.Time
	DataContentType string
	DataSchema      string
}

// Validate checks every non-empty attribute against the CloudEvents v1.0
// grammar: source and dataschema as URI(-reference), datacontenttype
// against an RFC 2045 media-type shape.
func (ce CloudEvent) Validate() error {
	if ce.SpecVersion != "" && ce.SpecVersion != DefaultSpecVersion {
		return mqcore.NewError(mqcore.KindHeaderInvalid, fmt.Sprintf("unsupported cloud event spec version %q", ce.SpecVersion))
	}
	if ce.Source != "" {
		if _, err := url.Parse(ce.Source); err != nil {
			return &mqcore.Error{Kind: mqcore.KindHeaderInvalid, Cause: err,
				HeaderName: mqcore.CloudEventSource, HeaderValue: ce.Source,
				Message: "source must adhere to RFC 3986 as a URI reference"}
		}
	}
	if ce.DataSchema != "" {
		u, err := url.Parse(ce.DataSchema)
		if err != nil || !u.IsAbs() {
			return &mqcore.Error{Kind: mqcore.KindHeaderInvalid, Cause: err,
				HeaderName: mqcore.CloudEventDataSchema, HeaderValue: ce.DataSchema,
				Message: "dataschema must adhere to RFC 3986 as an absolute URI"}
		}
	}
	if ce.DataContentType != "" && !dataContentTypeRe.MatchString(ce.DataContentType) {
		return &mqcore.Error{Kind: mqcore.KindHeaderInvalid,
			HeaderName: mqcore.CloudEventDataContentType, HeaderValue: ce.DataContentType,
			Message: "datacontenttype must adhere to RFC 2045"}
	}
	return nil
}

// applyDefaults fills id (fresh UUID), subject (resolved topic), and time
// (now, RFC 3339) when the caller left them unset, and likewise fills spec
// version and type with their defaults; values the caller set are kept.
func (ce CloudEvent) applyDefaults(topic string) CloudEvent {
	if ce.SpecVersion == "" {
		ce.SpecVersion = DefaultSpecVersion
	}
	if ce.Type == "" {
		ce.Type = DefaultEventType
	}
	if ce.ID == "" {
		ce.ID = uuid.NewString()
	}
	if ce.Subject == "" {
		ce.Subject = topic
	}
	if ce.Time.IsZero() {
		ce.Time = time.Now().UTC()
	}
	return ce
}

func (ce CloudEvent) toUserProperties() []mqcore.UserProperty {
	ups := []mqcore.UserProperty{
		{Key: mqcore.CloudEventSpecVersion, Value: ce.SpecVersion},
		{Key: mqcore.CloudEventType, Value: ce.Type},
		{Key: mqcore.CloudEventID, Value: ce.ID},
		{Key: mqcore.CloudEventSubject, Value: ce.Subject},
		{Key: mqcore.CloudEventTime, Value: ce.Time.Format(time.RFC3339)},
	}
	if ce.Source != "" {
		ups = append(ups, mqcore.UserProperty{Key: mqcore.CloudEventSource, Value: ce.Source})
	}
	if ce.DataContentType != "" {
		ups = append(ups, mqcore.UserProperty{Key: mqcore.CloudEventDataContentType, Value: ce.DataContentType})
	}
	if ce.DataSchema != "" {
		ups = append(ups, mqcore.UserProperty{Key: mqcore.CloudEventDataSchema, Value: ce.DataSchema})
	}
	return ups
}

// FromTelemetry extracts and validates the CloudEvents attributes carried
// as user properties on a delivered telemetry message. Attributes the
// sender omitted are left as zero values; Time is left zero rather than
// erroring when absent, since a CloudEvent is optional telemetry metadata.
func FromTelemetry(props *mqcore.Properties) (CloudEvent, error) {
	var ce CloudEvent
	ce.SpecVersion, _ = props.Get(mqcore.CloudEventSpecVersion)
	ce.Type, _ = props.Get(mqcore.CloudEventType)
	ce.Source, _ = props.Get(mqcore.CloudEventSource)
	ce.ID, _ = props.Get(mqcore.CloudEventID)
	ce.Subject, _ = props.Get(mqcore.CloudEventSubject)
	ce.DataContentType, _ = props.Get(mqcore.CloudEventDataContentType)
	ce.DataSchema, _ = props.Get(mqcore.CloudEventDataSchema)

	if ts, ok := props.Get(mqcore.CloudEventTime); ok && ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return CloudEvent{}, &mqcore.Error{Kind: mqcore.KindHeaderInvalid, Cause: err,
				HeaderName: mqcore.CloudEventTime, HeaderValue: ts,
				Message: "time must adhere to RFC 3339"}
		}
		ce.Time = parsed
	}

	if ce.SpecVersion == "" {
		return ce, nil
	}
	if err := ce.Validate(); err != nil {
		return CloudEvent{}, err
	}
	return ce, nil
}
