package android

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// pushEnvelope is the Pub/Sub push request body.
type pushEnvelope struct {
	Message struct {
		Attributes  map[string]string `json:"attributes"`
		Data        string            `json:"data" validate:"required,base64"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// developerNotification is the Real-time Developer Notification carried in message.data.
type developerNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName" validate:"required"`
	EventTimeMillis            string                      `json:"eventTimeMillis" validate:"omitempty,numeric"`
	SubscriptionNotification   *subscriptionNotification   `json:"subscriptionNotification" validate:"omitempty"`
	VoidedPurchaseNotification *voidedPurchaseNotification `json:"voidedPurchaseNotification" validate:"omitempty"`
	TestNotification           *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

type subscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType" validate:"required,min=1"`
	PurchaseToken    string `json:"purchaseToken" validate:"required"`
	SubscriptionID   string `json:"subscriptionId"`
}

type voidedPurchaseNotification struct {
	PurchaseToken string `json:"purchaseToken" validate:"required"`
	OrderID       string `json:"orderId"`
	ProductType   int    `json:"productType"`
	RefundType    int    `json:"refundType"`
}

var validate = validator.New()

// decodePush parses and validates a push body and its embedded notification.
func decodePush(body []byte) (*pushEnvelope, *developerNotification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: message data: %v", billing.ErrMalformedPayload, err)
	}
	var n developerNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, nil, fmt.Errorf("%w: notification: %v", billing.ErrMalformedPayload, err)
	}
	if err := validate.Struct(&n); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	if n.SubscriptionNotification == nil && n.VoidedPurchaseNotification == nil && n.TestNotification == nil {
		return nil, nil, fmt.Errorf("%w: notification carries no payload", billing.ErrMalformedPayload)
	}
	return &env, &n, nil
}

// occurredAt prefers the notification's eventTimeMillis and falls back to the
// Pub/Sub publishTime, which redeliveries keep.
func occurredAt(env *pushEnvelope, n *developerNotification) time.Time {
	if ms, err := strconv.ParseInt(n.EventTimeMillis, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, env.Message.PublishTime); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
