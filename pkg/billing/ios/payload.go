package ios

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// requestBody is either the App Store Server Notifications V2 body ({"signedPayload"})
// or a plain envelope whose notification fields are unsigned and whose only
// signed part is data.signedTransactionInfo.
type requestBody struct {
	SignedPayload    string            `json:"signedPayload" validate:"omitempty,jwt"`
	NotificationType string            `json:"notificationType" validate:"required_without=SignedPayload"`
	Subtype          string            `json:"subtype"`
	NotificationUUID string            `json:"notificationUUID"`
	Data             *notificationData `json:"data"`
}

// notificationPayload is the decoded signedPayload.
type notificationPayload struct {
	jwt.RegisteredClaims
	NotificationType string            `json:"notificationType" validate:"required"`
	Subtype          string            `json:"subtype"`
	NotificationUUID string            `json:"notificationUUID"`
	Version          string            `json:"version"`
	SignedDate       int64             `json:"signedDate"`
	Data             *notificationData `json:"data"`
}

type notificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
	Status                int    `json:"status"`
}

// transactionInfo is the decoded signedTransactionInfo.
type transactionInfo struct {
	jwt.RegisteredClaims
	OriginalTransactionID string `json:"originalTransactionId" validate:"required"`
	TransactionID         string `json:"transactionId"`
	ProductID             string `json:"productId" validate:"required"`
	BundleID              string `json:"bundleId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate" validate:"gte=0"`
	AppAccountToken       string `json:"appAccountToken" validate:"omitempty,uuid"`
	RevocationDate        int64  `json:"revocationDate"`
	Type                  string `json:"type"`
	SignedDate            int64  `json:"signedDate"`
	AutoRenewStatus       *int   `json:"autoRenewStatus" validate:"omitempty,oneof=0 1"`
}

// renewalInfo is the decoded signedRenewalInfo.
type renewalInfo struct {
	jwt.RegisteredClaims
	OriginalTransactionID string `json:"originalTransactionId"`
	AutoRenewProductID    string `json:"autoRenewProductId"`
	AutoRenewStatus       *int   `json:"autoRenewStatus" validate:"omitempty,oneof=0 1"`
	SignedDate            int64  `json:"signedDate"`
}

var validate = validator.New()

// decodeNotification verifies the outer payload and the JWS it carries.
func decodeNotification(v Verifier, body []byte) (*notificationPayload, *transactionInfo, *renewalInfo, error) {
	var req requestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}

	var payload notificationPayload
	if req.SignedPayload != "" {
		if err := v.Parse(req.SignedPayload, &payload); err != nil {
			return nil, nil, nil, err
		}
	} else {
		payload = notificationPayload{
			NotificationType: req.NotificationType,
			Subtype:          req.Subtype,
			NotificationUUID: req.NotificationUUID,
			Data:             req.Data,
		}
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	if payload.Data == nil || payload.Data.SignedTransactionInfo == "" {
		if req.SignedPayload == "" {
			return nil, nil, nil, fmt.Errorf("%w: notification carries no signed data", billing.ErrAuthenticity)
		}
		return &payload, nil, nil, nil
	}

	var tx transactionInfo
	if err := v.Parse(payload.Data.SignedTransactionInfo, &tx); err != nil {
		return nil, nil, nil, err
	}
	if err := validate.Struct(&tx); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: transaction: %v", billing.ErrMalformedPayload, err)
	}

	if payload.Data.SignedRenewalInfo == "" {
		return &payload, &tx, nil, nil
	}
	var renewal renewalInfo
	if err := v.Parse(payload.Data.SignedRenewalInfo, &renewal); err != nil {
		return nil, nil, nil, err
	}
	if err := validate.Struct(&renewal); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: renewal: %v", billing.ErrMalformedPayload, err)
	}
	return &payload, &tx, &renewal, nil
}

func millis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
