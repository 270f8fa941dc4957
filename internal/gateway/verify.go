package gateway

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// slackTimestampSkew is the maximum accepted age of a Slack request.
const slackTimestampSkew = 5 * time.Minute

// Verification failures. The error text doubles as the response status token.
var (
	errMissingSignature = errors.New("missing_signature")
	errMissingTimestamp = errors.New("missing_timestamp")
	errInvalidTimestamp = errors.New("invalid_timestamp")
	errStaleTimestamp   = errors.New("stale_timestamp")
	errInvalidSignature = errors.New("invalid_signature")
	errMissingToken     = errors.New("missing_token")
	errInvalidToken     = errors.New("invalid_token")
	errBadForm          = errors.New("bad_form")
)

// VerifySlack checks the Slack signing-secret signature scheme: HMAC-SHA256
// over "v0:<timestamp>:<body>" with a freshness window. An unset
// SLACK_SIGNING_SECRET disables verification.
func VerifySlack(header http.Header, body []byte) error {
	secret := strings.TrimSpace(os.Getenv("SLACK_SIGNING_SECRET"))
	if secret == "" {
		return nil
	}
	signature := header.Get("X-Slack-Signature")
	if signature == "" {
		return errMissingSignature
	}
	timestamp := header.Get("X-Slack-Request-Timestamp")
	if timestamp == "" {
		return errMissingTimestamp
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errInvalidTimestamp
	}
	age := time.Since(time.Unix(ts, 0))
	if age > slackTimestampSkew || age < -slackTimestampSkew {
		return errStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return errInvalidSignature
	}
	return nil
}

// VerifyPostmark compares the shared inbound token header. An unset
// POSTMARK_INBOUND_TOKEN disables verification.
func VerifyPostmark(header http.Header) error {
	return verifySharedToken(header, "X-Postmark-Token", "POSTMARK_INBOUND_TOKEN")
}

// VerifyBlueBubbles compares the shared webhook token header. An unset
// BLUEBUBBLES_WEBHOOK_TOKEN disables verification.
func VerifyBlueBubbles(header http.Header) error {
	return verifySharedToken(header, "X-BlueBubbles-Token", "BLUEBUBBLES_WEBHOOK_TOKEN")
}

func verifySharedToken(header http.Header, headerName, envName string) error {
	token := strings.TrimSpace(os.Getenv(envName))
	if token == "" {
		return nil
	}
	provided := header.Get(headerName)
	if provided == "" {
		return errMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
		return errInvalidToken
	}
	return nil
}

// VerifyTwilio checks the Twilio request signature: HMAC-SHA1 over the
// webhook URL followed by the sorted form parameters, base64-encoded.
// Verification requires both TWILIO_AUTH_TOKEN and TWILIO_WEBHOOK_URL; with
// either unset it is disabled.
func VerifyTwilio(header http.Header, body []byte) error {
	token := strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN"))
	webhookURL := strings.TrimSpace(os.Getenv("TWILIO_WEBHOOK_URL"))
	if token == "" || webhookURL == "" {
		return nil
	}
	signature := header.Get("X-Twilio-Signature")
	if signature == "" {
		return errMissingSignature
	}
	params, err := url.ParseQuery(string(body))
	if err != nil {
		return errBadForm
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(webhookURL))
	for _, key := range keys {
		mac.Write([]byte(key))
		mac.Write([]byte(params.Get(key)))
	}
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return errInvalidSignature
	}
	return nil
}
