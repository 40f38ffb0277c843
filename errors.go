package mqcore

import "fmt"

// Kind identifies the category of failure a mqcore.Error represents. The
// constants below cover every taxonomy entry in the specification's error
// handling design, grouped by the domain that raises them.
type Kind int

const (
	KindUnknown Kind = iota

	// Topic errors (mqcore.ParseName / mqcore.ParseFilter).
	KindEmpty
	KindWildcardInName
	KindWildcardNotAlone
	KindWildcardNotLast

	// Protocol errors (rpc, telemetry).
	KindHeaderMissing
	KindHeaderInvalid
	KindPayloadInvalid
	KindTimeout
	KindCancellation
	KindConfigurationInvalid
	KindStateInvalid
	KindInternalLogic
	KindExecutionException
	KindClientError
	KindUnsupportedVersion

	// Session errors.
	KindSessionLost
	KindConnectionRefused
	KindReconnectHalted
	KindForceExit
	KindBrokerUnavailable

	// State-store service errors.
	KindTimestampSkew
	KindMissingFencingToken
	KindFencingTokenSkew
	KindFencingTokenLowerVersion
	KindKeyQuotaExceeded
	KindSyntaxError
	KindNotAuthorized
	KindUnknownCommand
	KindWrongNumberOfArguments
	KindMalformedTimestamp
	KindKeyLengthZero
	KindDuplicateObserve
	KindCounterOverflow

	// Leased lock errors.
	KindLockNameLengthZero
	KindLockHolderNameLengthZero
	KindLockAlreadyHeld
)

var kindNames = map[Kind]string{
	KindUnknown:                  "unknown",
	KindEmpty:                    "empty",
	KindWildcardInName:           "wildcard_in_name",
	KindWildcardNotAlone:         "wildcard_not_alone",
	KindWildcardNotLast:          "wildcard_not_last",
	KindHeaderMissing:            "header_missing",
	KindHeaderInvalid:            "header_invalid",
	KindPayloadInvalid:           "payload_invalid",
	KindTimeout:                  "timeout",
	KindCancellation:             "cancellation",
	KindConfigurationInvalid:     "configuration_invalid",
	KindStateInvalid:             "state_invalid",
	KindInternalLogic:            "internal_logic",
	KindExecutionException:       "execution_exception",
	KindClientError:              "client_error",
	KindUnsupportedVersion:       "unsupported_version",
	KindSessionLost:              "session_lost",
	KindConnectionRefused:        "connection_refused",
	KindReconnectHalted:          "reconnect_halted",
	KindForceExit:                "force_exit",
	KindBrokerUnavailable:        "broker_unavailable",
	KindTimestampSkew:            "timestamp_skew",
	KindMissingFencingToken:      "missing_fencing_token",
	KindFencingTokenSkew:         "fencing_token_skew",
	KindFencingTokenLowerVersion: "fencing_token_lower_version",
	KindKeyQuotaExceeded:         "key_quota_exceeded",
	KindSyntaxError:              "syntax_error",
	KindNotAuthorized:            "not_authorized",
	KindUnknownCommand:           "unknown_command",
	KindWrongNumberOfArguments:   "wrong_number_of_arguments",
	KindMalformedTimestamp:       "malformed_timestamp",
	KindKeyLengthZero:            "key_length_zero",
	KindDuplicateObserve:         "duplicate_observe",
	KindCounterOverflow:          "counter_overflow",
	KindLockNameLengthZero:       "lock_name_length_zero",
	KindLockHolderNameLengthZero: "lock_holder_name_length_zero",
	KindLockAlreadyHeld:          "lock_already_held",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is the single error type returned across mqcore and its sibling
// packages. Fields beyond Kind are populated only when relevant to the
// failure, so callers can route or report without reaching into the
// underlying MQTT layer.
type Error struct {
	Kind Kind

	// IsShallow is true when the error was detected locally (e.g. a
	// validation failure) rather than surfaced from a remote peer.
	IsShallow bool

	// IsRemote is true when the error was reported by a remote RPC executor
	// or the state-store service, as opposed to the local transport.
	IsRemote bool

	Cause error

	PropertyName  string
	PropertyValue string

	CommandName string

	HeaderName  string
	HeaderValue string

	TimeoutName  string
	TimeoutValue string

	// Message is a human-readable description; optional.
	Message string

	// UnsupportedVersion carries the offending version string and, when the
	// failure is KindUnsupportedVersion, the accepted major set.
	UnsupportedVersion    string
	AcceptedMajorVersions []string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mqcore: %s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("mqcore: %s: %s", e.Kind, e.Cause.Error())
	}
	return fmt.Sprintf("mqcore: %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, mqcore.KindTimeout) style checks against a Kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

func (k Kind) Error() string {
	return k.String()
}

// NewError builds an Error of the given kind with an optional message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, IsShallow: true, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, IsShallow: true, Cause: cause}
}
