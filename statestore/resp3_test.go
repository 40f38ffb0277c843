package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSetDefault(t *testing.T) {
	got := EncodeSet([]byte("testkey"), []byte("testvalue"), SetOptions{})
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$7\r\ntestkey\r\n$9\r\ntestvalue\r\n", string(got))
}

func TestEncodeSetOnlyIfDoesNotExist(t *testing.T) {
	got := EncodeSet([]byte("testkey"), []byte("testvalue"), SetOptions{Condition: OnlyIfDoesNotExist})
	assert.Equal(t, "*4\r\n$3\r\nSET\r\n$7\r\ntestkey\r\n$9\r\ntestvalue\r\n$2\r\nNX\r\n", string(got))
}

func TestEncodeSetOnlyIfEqualOrDoesNotExist(t *testing.T) {
	got := EncodeSet([]byte("testkey"), []byte("testvalue"), SetOptions{Condition: OnlyIfEqualOrDoesNotExist})
	assert.Equal(t, "*4\r\n$3\r\nSET\r\n$7\r\ntestkey\r\n$9\r\ntestvalue\r\n$3\r\nNEX\r\n", string(got))
}

func TestEncodeSetExpires(t *testing.T) {
	got := EncodeSet([]byte("testkey"), []byte("testvalue"), SetOptions{ExpiresMillis: 10})
	assert.Equal(t, "*5\r\n$3\r\nSET\r\n$7\r\ntestkey\r\n$9\r\ntestvalue\r\n$2\r\nPX\r\n$2\r\n10\r\n", string(got))
}

func TestEncodeGet(t *testing.T) {
	assert.Equal(t, "*2\r\n$3\r\nGET\r\n$7\r\ntestkey\r\n", string(EncodeGet([]byte("testkey"))))
}

func TestEncodeDel(t *testing.T) {
	assert.Equal(t, "*2\r\n$3\r\nDEL\r\n$7\r\ntestkey\r\n", string(EncodeDel([]byte("testkey"))))
}

func TestEncodeVDel(t *testing.T) {
	assert.Equal(t, "*3\r\n$4\r\nVDEL\r\n$7\r\ntestkey\r\n$9\r\ntestvalue\r\n", string(EncodeVDel([]byte("testkey"), []byte("testvalue"))))
}

func TestEncodeKeyNotifyStop(t *testing.T) {
	assert.Equal(t, "*3\r\n$9\r\nKEYNOTIFY\r\n$7\r\ntestkey\r\n$4\r\nSTOP\r\n", string(EncodeKeyNotify([]byte("testkey"), true)))
}

func TestDecodeResponseSuccess(t *testing.T) {
	cases := []struct {
		payload string
		want    Response
	}{
		{"+OK\r\n", Response{Kind: RespOK}},
		{":-1\r\n", Response{Kind: RespNotApplied}},
		{"$4\r\n1234\r\n", Response{Kind: RespValue, Value: []byte("1234")}},
		{"$0\r\n\r\n", Response{Kind: RespValue, Value: []byte{}}},
		{"$-1\r\n", Response{Kind: RespNotFound}},
		{":1\r\n", Response{Kind: RespValuesDeleted, Count: 1}},
		{":6\r\n", Response{Kind: RespValuesDeleted, Count: 6}},
		{":0\r\n", Response{Kind: RespNotFound}},
		{"-ERR syntax error\r\n", Response{Kind: RespError, ErrText: []byte("syntax error")}},
		{"-ERR \r\n", Response{Kind: RespError, ErrText: []byte{}}},
	}
	for _, c := range cases {
		got, err := Decode([]byte(c.payload))
		require.NoError(t, err, c.payload)
		assert.Equal(t, c.want.Kind, got.Kind, c.payload)
		if c.want.Value != nil {
			assert.Equal(t, c.want.Value, got.Value, c.payload)
		}
		if c.want.Count != 0 {
			assert.Equal(t, c.want.Count, got.Count, c.payload)
		}
		if c.want.ErrText != nil {
			assert.Equal(t, c.want.ErrText, got.ErrText, c.payload)
		}
	}
}

func TestDecodeResponseFailures(t *testing.T) {
	cases := []string{
		"1",
		"11\r\nhello world\r\n",
		"$11hello world\r\n",
		"$11\r\nhello world",
		"$not an integer\r\nhello world",
		"$11\r\nthis string is longer than 11 characters\r\n",
		"-ERR\r\n",
		"ERR description\r\n",
		"-ERR description",
		":",
		"1234\r\n",
		":1234",
		":not an integer\r\n",
		"+hello world\r\n",
		"+",
		"OK\r\n",
		"+OK",
	}
	for _, payload := range cases {
		_, err := Decode([]byte(payload))
		assert.Error(t, err, payload)
	}
}

func TestDecodeNotification(t *testing.T) {
	del, err := DecodeNotification([]byte("*2\r\n$6\r\nNOTIFY\r\n$6\r\nDELETE\r\n"))
	require.NoError(t, err)
	assert.Equal(t, NotifyDel, del.Op)

	set, err := DecodeNotification([]byte("*4\r\n$6\r\nNOTIFY\r\n$3\r\nSET\r\n$5\r\nVALUE\r\n$3\r\nabc\r\n"))
	require.NoError(t, err)
	assert.Equal(t, NotifySet, set.Op)
	assert.Equal(t, []byte("abc"), set.Value)
}
