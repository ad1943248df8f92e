package android

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

const subscriptionsGetEndpoint = "purchases.subscriptionsv2.get"

// SubscriptionDetails is what the Play Developer API reports about a purchase token.
type SubscriptionDetails struct {
	ProductID string
	UserID    string
	ExpiresAt *time.Time
	AutoRenew *bool
}

// SubscriptionFetcher looks up a purchase token in the Play Developer API.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, packageName, purchaseToken string) (*SubscriptionDetails, error)
}

// PublisherFetcher implements SubscriptionFetcher with the androidpublisher client.
type PublisherFetcher struct {
	service *androidpublisher.Service
	metrics billing.Metrics
}

// NewPublisherFetcher creates a fetcher. Credentials come from opts, for example
// option.WithCredentialsFile.
func NewPublisherFetcher(ctx context.Context, metrics billing.Metrics, opts ...option.ClientOption) (*PublisherFetcher, error) {
	service, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create androidpublisher client: %w", err)
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &PublisherFetcher{service: service, metrics: metrics}, nil
}

// FetchSubscription implements SubscriptionFetcher
func (f *PublisherFetcher) FetchSubscription(
	ctx context.Context, packageName, purchaseToken string,
) (*SubscriptionDetails, error) {
	start := time.Now()
	purchase, err := f.service.Purchases.Subscriptionsv2.Get(packageName, purchaseToken).Context(ctx).Do()
	f.metrics.RecordAPICallDuration(providerName, subscriptionsGetEndpoint, time.Since(start))

	status := "200"
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		status = strconv.Itoa(apiErr.Code)
	} else if err != nil {
		status = "error"
	}
	f.metrics.RecordAPICall(providerName, subscriptionsGetEndpoint, status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	return detailsFromPurchase(purchase), nil
}

func detailsFromPurchase(p *androidpublisher.SubscriptionPurchaseV2) *SubscriptionDetails {
	d := &SubscriptionDetails{}
	if p.ExternalAccountIdentifiers != nil {
		d.UserID = p.ExternalAccountIdentifiers.ObfuscatedExternalAccountId
	}
	// The line item that expires last describes the current period.
	for _, item := range p.LineItems {
		if item == nil {
			continue
		}
		expiry, err := time.Parse(time.RFC3339Nano, item.ExpiryTime)
		if err != nil {
			continue
		}
		if d.ExpiresAt != nil && !expiry.After(*d.ExpiresAt) {
			continue
		}
		expiry = expiry.UTC()
		d.ExpiresAt = &expiry
		d.ProductID = item.ProductId
		if item.AutoRenewingPlan != nil {
			autoRenew := item.AutoRenewingPlan.AutoRenewEnabled
			d.AutoRenew = &autoRenew
		} else {
			d.AutoRenew = nil
		}
	}
	return d
}
