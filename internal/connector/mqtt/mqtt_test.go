package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/area/internal/connector"
)

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload string
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic, qos, retain, string(payload)})
	return nil
}

func execReq(params map[string]string) connector.ExecuteRequest {
	return connector.ExecuteRequest{Component: "mqtt.publish", Params: params}
}

func TestExecute_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	c := New(pub)

	out, err := c.Execute(context.Background(), execReq(map[string]string{
		"topic": "home/alerts", "payload": `{"sha":"abc"}`, "qos": "1", "retain": "true",
	}))
	require.NoError(t, err)
	assert.True(t, out.OK())
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, published{"home/alerts", 1, true, `{"sha":"abc"}`}, pub.msgs[0])
}

func TestExecute_Defaults(t *testing.T) {
	pub := &fakePublisher{}
	out, err := New(pub).Execute(context.Background(), execReq(map[string]string{"topic": "t", "payload": "x"}))
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, byte(0), pub.msgs[0].qos)
	assert.False(t, pub.msgs[0].retain)
}

func TestExecute_InvalidParams(t *testing.T) {
	c := New(&fakePublisher{})
	cases := []map[string]string{
		{"topic": "a/+/b", "payload": "x"},
		{"topic": "a", "payload": "x", "qos": "3"},
		{"topic": "a", "payload": "x", "retain": "maybe"},
		{"payload": "x"},
	}
	for _, params := range cases {
		out, err := c.Execute(context.Background(), execReq(params))
		require.NoError(t, err, params)
		assert.False(t, out.OK(), params)
	}
}

func TestExecute_BrokerErrorIsError(t *testing.T) {
	c := New(&fakePublisher{err: errors.New("connection reset")})
	_, err := c.Execute(context.Background(), execReq(map[string]string{"topic": "t", "payload": "x"}))
	assert.Error(t, err)
}

func TestDial_RejectsUnknownScheme(t *testing.T) {
	_, err := Dial(context.Background(), ClientConfig{BrokerURL: "http://broker:1883"}, zerolog.Nop())
	assert.ErrorContains(t, err, "unsupported broker scheme")
}
