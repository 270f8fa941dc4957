// Package ingest is the durable envelope queue between the gateway and the
// workers. Enqueue is idempotent on a per-message dedupe key, claims take a
// lease, and failures back off linearly until a terminal attempt cap.
package ingest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// Envelope statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Envelope is the queue record built by the gateway for each accepted inbound
// message.
type Envelope struct {
	ID                string                  `json:"envelope_id"`
	ReceivedAt        time.Time               `json:"received_at"`
	TenantID          string                  `json:"tenant_id"`
	EmployeeID        string                  `json:"employee_id"`
	Channel           channel.Channel         `json:"channel"`
	ExternalMessageID string                  `json:"external_message_id"`
	DedupeKey         string                  `json:"dedupe_key"`
	Payload           *channel.InboundMessage `json:"payload"`
	RawPayloadB64     string                  `json:"raw_payload_b64,omitempty"`
}

// QueuedEnvelope is a claimed row handed to a worker.
type QueuedEnvelope struct {
	Envelope
	Attempts  int
	CreatedAt time.Time
	LockedBy  string
}

// NewEnvelope builds an envelope for msg. When externalID is empty the md5 of
// the raw payload stands in, so retried webhook deliveries still collapse to
// one row.
func NewEnvelope(tenantID, employeeID string, msg *channel.InboundMessage, externalID string) Envelope {
	ext := strings.TrimSpace(externalID)
	if ext == "" {
		ext = channel.RawHash(msg.RawPayload)
	}
	env := Envelope{
		ID:                uuid.NewString(),
		ReceivedAt:        time.Now().UTC(),
		TenantID:          tenantID,
		EmployeeID:        employeeID,
		Channel:           msg.Channel,
		ExternalMessageID: ext,
		Payload:           msg,
	}
	env.DedupeKey = DedupeKey(tenantID, employeeID, msg.Channel, ext)
	if len(msg.RawPayload) > 0 {
		env.RawPayloadB64 = base64.StdEncoding.EncodeToString(msg.RawPayload)
	}
	return env
}

// DedupeKey is "{tenant}:{employee}:{channel}:{external-id}".
func DedupeKey(tenantID, employeeID string, ch channel.Channel, externalID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", tenantID, employeeID, ch, externalID)
}

func (e Envelope) payloadJSON() ([]byte, error) {
	return json.Marshal(e)
}

func envelopeFromJSON(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode envelope payload: %w", err)
	}
	return env, nil
}
