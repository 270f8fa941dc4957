package sms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dowhiz/dowhiz/internal/channel"
)

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+14155550123", NormalizePhone("+1 (415) 555-0123"))
	assert.Equal(t, "14155550123", NormalizePhone("1.415.555.0123"))
}

func TestThreadKey(t *testing.T) {
	assert.Equal(t, "sms:+15550001111:+14155550123", ThreadKey("+1 555 000 1111", "+1 (415) 555-0123"))
}

func TestParseInbound(t *testing.T) {
	form := url.Values{}
	form.Set("From", "+1 (415) 555-0123")
	form.Set("To", "+15550001111")
	form.Set("Body", "what's on my calendar today?")
	form.Set("MessageSid", "SM123")

	msg, err := NewInboundAdapter(nil).Parse([]byte(form.Encode()))
	require.NoError(t, err)
	assert.Equal(t, "+14155550123", msg.Sender)
	assert.Equal(t, "+15550001111", msg.Recipient)
	assert.Equal(t, "sms:+15550001111:+14155550123", msg.ThreadID)
	assert.Equal(t, "SM123", msg.MessageID)
	assert.Equal(t, "+15550001111", msg.Metadata.SMSTo)
}

func TestParseRejectsMissingNumbers(t *testing.T) {
	_, err := NewInboundAdapter(nil).Parse([]byte("Body=hi"))
	var adapterErr *channel.AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, channel.ErrKindParse, adapterErr.Kind)
}

func TestParseDropsOwnNumber(t *testing.T) {
	bots := channel.NewBotIdentitySet("+15550001111")
	form := url.Values{}
	form.Set("From", "+1 555 000 1111")
	form.Set("To", "+14155550123")
	form.Set("Body", "echo")
	_, err := NewInboundAdapter(bots).Parse([]byte(form.Encode()))
	require.ErrorIs(t, err, channel.ErrIgnored)
}

func TestSendFormEncoded(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "tok", pass)
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM999"}`))
	}))
	defer srv.Close()

	adapter := NewOutboundAdapter("AC1", "tok", srv.URL, nil)
	result, err := adapter.Send(context.Background(), channel.OutboundMessage{
		From:     "+15550001111",
		To:       []string{"+14155550123"},
		TextBody: "on it\n",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "SM999", result.MessageID)
	assert.Equal(t, "on it", gotForm.Get("Body"))
	assert.Equal(t, "+15550001111", gotForm.Get("From"))
}

func TestSendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"invalid to"}`))
	}))
	defer srv.Close()

	adapter := NewOutboundAdapter("AC1", "tok", srv.URL, nil)
	_, err := adapter.Send(context.Background(), channel.OutboundMessage{
		From: "+15550001111",
		To:   []string{"bad"},
	})
	var adapterErr *channel.AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, channel.ErrKindSend, adapterErr.Kind)
	assert.Contains(t, adapterErr.Message, "HTTP 400")
}

func TestSendMissingCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	adapter := NewOutboundAdapter("", "", "http://127.0.0.1:1", nil)
	_, err := adapter.Send(context.Background(), channel.OutboundMessage{From: "+1", To: []string{"+2"}})
	var adapterErr *channel.AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, channel.ErrKindConfig, adapterErr.Kind)
}
