package creditscraper

import (
	"encoding/json"
	"fmt"

	"github.com/disputeflow/core/internal/crypto"
)

func unmarshalCredentials(plaintext []byte, out *Credentials) error {
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("creditscraper: unmarshal credentials: %w", err)
	}
	return nil
}

// EncryptCredentials seals a login pair the way Client.EncryptedBureauCreds
// expects it: the inverse of DecryptCredentials.
func EncryptCredentials(masterKey []byte, clientID, provider string, creds Credentials) ([]byte, error) {
	key, err := crypto.DeriveKey(masterKey, []byte(clientID), credentialInfo(provider))
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("creditscraper: marshal credentials: %w", err)
	}
	return crypto.Encrypt(key, plaintext)
}
