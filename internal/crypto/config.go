package crypto

import (
	"fmt"

	"github.com/rakunlabs/relay/internal/domain"
)

// EncryptProviderKey encrypts the sensitive fields of a ProviderKey (api_key
// and auth_config_json) on its own copy of pk and returns that copy.
// If key is nil, the provider key is returned unchanged (no-op).
func EncryptProviderKey(pk domain.ProviderKey, key []byte) (domain.ProviderKey, error) {
	if key == nil {
		return pk, nil
	}

	if pk.APIKey != "" {
		enc, err := Encrypt(pk.APIKey, key)
		if err != nil {
			return pk, fmt.Errorf("encrypt api_key: %w", err)
		}
		pk.APIKey = enc
	}

	if pk.AuthConfigJSON != "" {
		enc, err := Encrypt(pk.AuthConfigJSON, key)
		if err != nil {
			return pk, fmt.Errorf("encrypt auth_config_json: %w", err)
		}
		pk.AuthConfigJSON = enc
	}

	return pk, nil
}

// DecryptProviderKey decrypts the sensitive fields of a ProviderKey (api_key
// and auth_config_json) on its own copy of pk and returns that copy.
// If key is nil, the provider key is returned unchanged (no-op).
// Values that are not encrypted (no "enc:" prefix) are left as-is.
func DecryptProviderKey(pk domain.ProviderKey, key []byte) (domain.ProviderKey, error) {
	if key == nil {
		return pk, nil
	}

	if pk.APIKey != "" {
		dec, err := Decrypt(pk.APIKey, key)
		if err != nil {
			return pk, fmt.Errorf("decrypt api_key: %w", err)
		}
		pk.APIKey = dec
	}

	if pk.AuthConfigJSON != "" {
		dec, err := Decrypt(pk.AuthConfigJSON, key)
		if err != nil {
			return pk, fmt.Errorf("decrypt auth_config_json: %w", err)
		}
		pk.AuthConfigJSON = dec
	}

	return pk, nil
}
