// Package statestore implements the State Store Client (§4.10): a RESP3
// codec riding over the RPC Command Invoker, plus SET/GET/DEL/VDEL/KEYNOTIFY
// verb builders and response classification.
package statestore

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/brinkhaus/mqcore"
)

// SetCondition constrains when a Set request is applied.
type SetCondition int

const (
	// Unconditional executes regardless of the key's current state.
	Unconditional SetCondition = iota
	// OnlyIfDoesNotExist executes only if the key is absent (NX).
	OnlyIfDoesNotExist
	// OnlyIfEqualOrDoesNotExist executes if the key is absent or its value
	// already equals the one being set (NEX).
	OnlyIfEqualOrDoesNotExist
)

// SetOptions configures a Set request.
type SetOptions struct {
	Condition SetCondition
	// ExpiresMillis is the key's time-to-live in milliseconds; zero means
	// no expiry.
	ExpiresMillis int64
}

func appendArray(buf *bytes.Buffer, n int) {
	fmt.Fprintf(buf, "*%d\r\n", n)
}

func appendArgument(buf *bytes.Buffer, arg []byte) {
	fmt.Fprintf(buf, "$%d\r\n", len(arg))
	buf.Write(arg)
	buf.WriteString("\r\n")
}

func numAdditionalSetArguments(opts SetOptions) int {
	n := 0
	switch opts.Condition {
	case OnlyIfDoesNotExist, OnlyIfEqualOrDoesNotExist:
		n++
	}
	if opts.ExpiresMillis > 0 {
		n += 2
	}
	return n
}

// EncodeSet builds the RESP3 request for `SET key value [NX|NEX] [PX ms]`.
func EncodeSet(key, value []byte, opts SetOptions) []byte {
	var buf bytes.Buffer
	appendArray(&buf, 3+numAdditionalSetArguments(opts))
	appendArgument(&buf, []byte("SET"))
	appendArgument(&buf, key)
	appendArgument(&buf, value)
	switch opts.Condition {
	case OnlyIfDoesNotExist:
		appendArgument(&buf, []byte("NX"))
	case OnlyIfEqualOrDoesNotExist:
		appendArgument(&buf, []byte("NEX"))
	}
	if opts.ExpiresMillis > 0 {
		appendArgument(&buf, []byte("PX"))
		appendArgument(&buf, []byte(strconv.FormatInt(opts.ExpiresMillis, 10)))
	}
	return buf.Bytes()
}

// EncodeGet builds the RESP3 request for `GET key`.
func EncodeGet(key []byte) []byte {
	var buf bytes.Buffer
	appendArray(&buf, 2)
	appendArgument(&buf, []byte("GET"))
	appendArgument(&buf, key)
	return buf.Bytes()
}

// EncodeDel builds the RESP3 request for `DEL key`.
func EncodeDel(key []byte) []byte {
	var buf bytes.Buffer
	appendArray(&buf, 2)
	appendArgument(&buf, []byte("DEL"))
	appendArgument(&buf, key)
	return buf.Bytes()
}

// EncodeVDel builds the RESP3 request for `VDEL key value`.
func EncodeVDel(key, value []byte) []byte {
	var buf bytes.Buffer
	appendArray(&buf, 3)
	appendArgument(&buf, []byte("VDEL"))
	appendArgument(&buf, key)
	appendArgument(&buf, value)
	return buf.Bytes()
}

// EncodeKeyNotify builds the RESP3 request for `KEYNOTIFY key [STOP]`.
func EncodeKeyNotify(key []byte, stop bool) []byte {
	var buf bytes.Buffer
	n := 2
	if stop {
		n++
	}
	appendArray(&buf, n)
	appendArgument(&buf, []byte("KEYNOTIFY"))
	appendArgument(&buf, key)
	if stop {
		appendArgument(&buf, []byte("STOP"))
	}
	return buf.Bytes()
}

// ResponseKind classifies a decoded RESP3 response.
type ResponseKind int

const (
	RespOK ResponseKind = iota
	RespValue
	RespValuesDeleted
	RespNotApplied
	RespNotFound
	RespError
)

// Response is a decoded RESP3 reply.
type Response struct {
	Kind    ResponseKind
	Value   []byte
	Count   int64
	ErrText []byte
}

var (
	okResponse          = []byte("+OK\r\n")
	notAppliedResponse  = []byte(":-1\r\n")
	getNotFoundResponse = []byte("$-1\r\n")
	keyNotFoundResponse = []byte(":0\r\n")
	errorPrefix         = []byte("-ERR ")
	lengthPrefix        = []byte("$")
	deletePrefix        = []byte(":")
	crlf                = []byte("\r\n")
)

// Decode parses a single RESP3 reply payload (§6 "State store RESP3").
func Decode(payload []byte) (Response, error) {
	switch {
	case bytes.Equal(payload, okResponse):
		return Response{Kind: RespOK}, nil
	case bytes.Equal(payload, getNotFoundResponse), bytes.Equal(payload, keyNotFoundResponse):
		return Response{Kind: RespNotFound}, nil
	case bytes.Equal(payload, notAppliedResponse):
		return Response{Kind: RespNotApplied}, nil
	case bytes.HasPrefix(payload, errorPrefix):
		text, ok := bytes.CutSuffix(bytes.TrimPrefix(payload, errorPrefix), crlf)
		if !ok {
			return Response{}, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: invalid error response")
		}
		return Response{Kind: RespError, ErrText: text}, nil
	case bytes.HasPrefix(payload, lengthPrefix):
		value, err := parseValue(payload, lengthPrefix)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: RespValue, Value: value}, nil
	case bytes.HasPrefix(payload, deletePrefix):
		n, err := parseNumeric(payload, deletePrefix)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: RespValuesDeleted, Count: int64(n)}, nil
	default:
		return Response{}, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: unknown response payload")
	}
}

// NotificationOp identifies the kind of key-change a NOTIFY message reports.
type NotificationOp int

const (
	NotifySet NotificationOp = iota
	NotifyDel
)

// Notification is a decoded server -> client key-change message.
type Notification struct {
	Op    NotificationOp
	Value []byte
}

var (
	notifyDeletePayload   = []byte("*2\r\n$6\r\nNOTIFY\r\n$6\r\nDELETE\r\n")
	notifySetWithValuePre = []byte("*4\r\n$6\r\nNOTIFY\r\n$3\r\nSET\r\n$5\r\nVALUE\r\n$")
)

// DecodeNotification parses a KEYNOTIFY push message (§6).
func DecodeNotification(payload []byte) (Notification, error) {
	if bytes.Equal(payload, notifyDeletePayload) {
		return Notification{Op: NotifyDel}, nil
	}
	if bytes.HasPrefix(payload, notifySetWithValuePre) {
		value, err := parseValue(payload, notifySetWithValuePre)
		if err != nil {
			return Notification{}, err
		}
		return Notification{Op: NotifySet, Value: value}, nil
	}
	return Notification{}, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: unknown notification payload")
}

func getNumeric(payload []byte) (value, length int, err error) {
	for i, b := range payload {
		switch {
		case b == '\r':
			return value, i, nil
		case b >= '0' && b <= '9':
			value = value*10 + int(b-'0')
		default:
			return 0, 0, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: invalid numeric length")
		}
	}
	return 0, 0, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: numeric length missing terminator")
}

func parseNumeric(payload, prefix []byte) (int, error) {
	rest, ok := bytes.CutPrefix(payload, prefix)
	if !ok {
		return 0, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: invalid numeric response")
	}
	n, idx, err := getNumeric(rest)
	if err != nil {
		return 0, err
	}
	if idx+2 != len(rest) || rest[idx+1] != '\n' {
		return 0, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: invalid numeric response")
	}
	return n, nil
}

func parseValue(payload, prefix []byte) ([]byte, error) {
	rest, ok := bytes.CutPrefix(payload, prefix)
	if !ok {
		return nil, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: invalid bulk string payload")
	}
	valueLen, idx, err := getNumeric(rest)
	if err != nil {
		return nil, err
	}
	idx++ // the '\r' that ended the length
	if idx >= len(rest) || rest[idx] != '\n' {
		return nil, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: invalid bulk string payload")
	}
	idx++
	if idx+valueLen+2 != len(rest) {
		return nil, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: bulk string length mismatch")
	}
	if !bytes.Equal(rest[idx+valueLen:idx+valueLen+2], crlf) {
		return nil, mqcore.NewError(mqcore.KindPayloadInvalid, "statestore: invalid bulk string payload")
	}
	return rest[idx : idx+valueLen], nil
}
