package gateway

import (
	"errors"

	"options-engine/pkg/exchanges/common"
	"options-engine/pkg/exchanges/delta"
)

var ErrMissingCredentials = errors.New("api key and secret are required")

// Factory creates a Gateway for one account.
type Factory func(creds common.Credentials) (common.Gateway, error)

// DeltaFactory builds Delta Exchange clients that share base settings.
func DeltaFactory(base delta.Config) Factory {
	return func(creds common.Credentials) (common.Gateway, error) {
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, ErrMissingCredentials
		}
		cfg := base
		cfg.APIKey = creds.APIKey
		cfg.APISecret = creds.APISecret
		return delta.NewClient(cfg), nil
	}
}
