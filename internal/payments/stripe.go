/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package payments talks to the payment provider that bills club subscriptions.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/subscription"

	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/internal/apierror"
)

const ServiceStripe = "stripe"

// SubscriptionCanceller cancels a provider subscription. Cancelling an already cancelled
// subscription succeeds.
type SubscriptionCanceller interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

type StripeClient struct {
	subscriptions subscription.Client
}

// NewStripeClient builds a client from the stripe config section. A nil httpClient gets
// one with the configured timeout. The SDK does not retry on its own; the step retry
// policy owns that.
func NewStripeClient(cnf config.StripeConfig, httpClient *http.Client) *StripeClient {
	if httpClient == nil {
		timeout := time.Duration(cnf.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        httpClient,
		URL:               stripe.String(cnf.BaseUrl),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logrus.StandardLogger(),
		EnableTelemetry:   stripe.Bool(false),
	})
	return &StripeClient{subscriptions: subscription.Client{B: backend, Key: cnf.SecretKey}}
}

func (s *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return apierror.NewAPIError(apierror.ErrValidation, "subscription id is required", nil)
	}

	current, err := s.subscriptions.Get(subscriptionID, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		if isResourceMissing(err) {
			return nil
		}
		return classify(subscriptionID, err)
	}
	if current.Status == stripe.SubscriptionStatusCanceled {
		return nil
	}

	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{
			Context: ctx,
			// Stable per subscription so retried cancels collapse into one.
			IdempotencyKey: stripe.String("roster-cancel-" + subscriptionID),
		},
		InvoiceNow: stripe.Bool(false),
		Prorate:    stripe.Bool(false),
	}
	if _, err := s.subscriptions.Cancel(subscriptionID, params); err != nil {
		if isResourceMissing(err) {
			return nil
		}
		return classify(subscriptionID, err)
	}
	return nil
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) &&
		stripeErr.HTTPStatusCode == http.StatusNotFound &&
		stripeErr.Code == stripe.ErrorCodeResourceMissing
}

// classify maps transport failures, 429 and 5xx to a retryable external-service error and
// any other provider rejection to a permanent validation error.
func classify(subscriptionID string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return apierror.NewAPIError(apierror.ErrExternalService,
				fmt.Sprintf("stripe returned %d for subscription %s", stripeErr.HTTPStatusCode, subscriptionID), err)
		}
		return apierror.NewAPIError(apierror.ErrValidation,
			fmt.Sprintf("stripe rejected cancellation of subscription %s with status %d", subscriptionID, stripeErr.HTTPStatusCode), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apierror.NewAPIError(apierror.ErrExternalService,
		fmt.Sprintf("stripe request for subscription %s failed", subscriptionID), err)
}
