package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignWebhookPayload computes the hex HMAC-SHA256 of a payload. Used by
// the provider to sign webhook deliveries and by tests to forge them.
func SignWebhookPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a webhook signature in constant time.
func VerifyWebhookSignature(secret string, payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := SignWebhookPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ProviderEvent is the canonical webhook envelope. Provider payloads
// name the email id inconsistently (data.id, data.email_id,
// data.message_id); normalization happens once here so handlers never
// see the raw shape.
type ProviderEvent struct {
	Type    string
	EventID string
	EmailID string
	Raw     json.RawMessage
}

type providerEnvelope struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Data    struct {
		ID        string `json:"id"`
		EmailID   string `json:"email_id"`
		MessageID string `json:"message_id"`
		EventID   string `json:"event_id"`
	} `json:"data"`
}

// ParseProviderEvent normalizes a raw webhook body into a ProviderEvent.
func ParseProviderEvent(body []byte) (*ProviderEvent, error) {
	var envelope providerEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("webhook payload missing event type")
	}

	emailID := envelope.Data.ID
	if emailID == "" {
		emailID = envelope.Data.EmailID
	}
	if emailID == "" {
		emailID = envelope.Data.MessageID
	}
	if emailID == "" {
		return nil, fmt.Errorf("webhook payload missing email id")
	}

	eventID := envelope.EventID
	if eventID == "" {
		eventID = envelope.Data.EventID
	}

	return &ProviderEvent{
		Type:    envelope.Type,
		EventID: eventID,
		EmailID: emailID,
		Raw:     json.RawMessage(body),
	}, nil
}
