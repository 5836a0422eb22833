package slack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
)

// mockAPI implements API for testing.
type mockAPI struct {
	token   string
	history []slack.Message
	histErr error
	params  *slack.GetConversationHistoryParameters
	posted  []string
	postErr error
}

func (m *mockAPI) GetConversationHistoryContext(_ context.Context, p *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	m.params = p
	if m.histErr != nil {
		return nil, m.histErr
	}
	return &slack.GetConversationHistoryResponse{Messages: m.history}, nil
}

func (m *mockAPI) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, channelID)
	return channelID, "1710000000.000200", nil
}

func msg(ts, user, text string) slack.Message {
	return slack.Message{Msg: slack.Msg{Timestamp: ts, User: user, Text: text}}
}

func newTestConnector(mock *mockAPI) *Connector {
	return New(connector.StaticCredentials("xoxb-test"), zerolog.Nop(), WithClientFunc(func(token string) API {
		mock.token = token
		return mock
	}))
}

func pollReq(state map[string]string) connector.PollRequest {
	return connector.PollRequest{
		AreaID:    "a1",
		OwnerID:   "u1",
		Component: "slack.new_message",
		Params:    map[string]string{"channel": "C123"},
		State:     state,
	}
}

func TestPoll_BaselineUsesLatestMessage(t *testing.T) {
	mock := &mockAPI{history: []slack.Message{msg("1710000000.000100", "U1", "hi")}}
	c := newTestConnector(mock)

	res, err := c.Poll(context.Background(), pollReq(nil))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, "1710000000.000100", res.State[stateLastTS])
	assert.Equal(t, 1, mock.params.Limit)
	assert.Equal(t, "xoxb-test", mock.token)
}

func TestPoll_BaselineEmptyChannelUsesClock(t *testing.T) {
	mock := &mockAPI{}
	now := time.Unix(1710000000, 5000).UTC()
	c := New(connector.StaticCredentials("xoxb"), zerolog.Nop(),
		WithClientFunc(func(string) API { return mock }),
		WithClock(func() time.Time { return now }))

	res, err := c.Poll(context.Background(), pollReq(nil))
	require.NoError(t, err)
	assert.Equal(t, "1710000000.000005", res.State[stateLastTS])
}

func TestPoll_NewMessagesOldestFirst(t *testing.T) {
	mock := &mockAPI{history: []slack.Message{
		msg("1710000000.000300", "U2", "third"),
		msg("1710000000.000200", "U1", "second"),
		msg("1710000000.000100", "U1", "cursor"),
	}}
	c := newTestConnector(mock)

	res, err := c.Poll(context.Background(), pollReq(map[string]string{stateLastTS: "1710000000.000100"}))
	require.NoError(t, err)
	assert.Equal(t, "1710000000.000100", mock.params.Oldest)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "second", res.Events[0].Payload["message_content"])
	assert.Equal(t, "U2", res.Events[1].Payload["author_id"])
	assert.Equal(t, "C123:1710000000.000300", res.Events[1].ID)
	assert.Equal(t, "1710000000.000300", res.State[stateLastTS])
}

func TestPoll_ErrorKinds(t *testing.T) {
	c := newTestConnector(&mockAPI{histErr: &slack.RateLimitedError{RetryAfter: 30 * time.Second}})
	_, err := c.Poll(context.Background(), pollReq(map[string]string{stateLastTS: "1"}))
	assert.True(t, perrors.IsRateLimit(err))
	assert.Equal(t, 30*time.Second, perrors.RetryAfter(err))

	c = newTestConnector(&mockAPI{histErr: errors.New("invalid_auth")})
	_, err = c.Poll(context.Background(), pollReq(map[string]string{stateLastTS: "1"}))
	assert.True(t, perrors.IsAuth(err))

	c = newTestConnector(&mockAPI{histErr: slack.StatusCodeError{Code: 503, Status: "Service Unavailable"}})
	_, err = c.Poll(context.Background(), pollReq(map[string]string{stateLastTS: "1"}))
	assert.True(t, perrors.IsRetryable(err))
}

func TestExecute_PostMessage(t *testing.T) {
	mock := &mockAPI{}
	c := newTestConnector(mock)

	out, err := c.Execute(context.Background(), connector.ExecuteRequest{
		Component: "slack.post_message",
		Params:    map[string]string{"channel": "C999", "text": "New commit abc"},
	})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, []string{"C999"}, mock.posted)
	assert.Equal(t, "1710000000.000200", out.Output["message_ts"])
}

func TestExecute_ChannelNotFoundIsFailure(t *testing.T) {
	c := newTestConnector(&mockAPI{postErr: errors.New("channel_not_found")})

	out, err := c.Execute(context.Background(), connector.ExecuteRequest{
		Component: "slack.post_message",
		Params:    map[string]string{"channel": "C0", "text": "x"},
	})
	require.NoError(t, err)
	assert.False(t, out.OK())
	assert.Contains(t, out.Detail, "channel_not_found")
}

func TestExecute_MissingText(t *testing.T) {
	c := newTestConnector(&mockAPI{})
	out, err := c.Execute(context.Background(), connector.ExecuteRequest{
		Component: "slack.post_message",
		Params:    map[string]string{"channel": "C0"},
	})
	require.NoError(t, err)
	assert.False(t, out.OK())
}

func TestTimestampHelpers(t *testing.T) {
	assert.True(t, after("1710000000.000200", "1710000000.000100"))
	assert.False(t, after("1710000000.000100", "1710000000.000100"))
	assert.True(t, after("5", ""))
	assert.Equal(t, time.Unix(1710000000, 250000*1000).UTC(), parseTS("1710000000.250000"))
}
