package oauth2

import (
	"connector-hub/internal/common/errors"
	"connector-hub/internal/crypto"
)

// SealedTokens are the access and refresh token as written to a durable store.
type SealedTokens struct {
	AccessToken  string
	RefreshToken string
}

// SealTokens encrypts the tokens of cred bound to its key. A nil cipher stores plaintext.
func SealTokens(c crypto.Cipher, cred *Credential) (SealedTokens, error) {
	if c == nil {
		c = crypto.PlainCipher{}
	}
	aad := cred.Key.String()

	access, err := c.Encrypt(cred.AccessToken, aad)
	if err != nil {
		return SealedTokens{}, errors.InternalError("failed to encrypt access token", err)
	}
	refresh, err := c.Encrypt(cred.RefreshToken, aad)
	if err != nil {
		return SealedTokens{}, errors.InternalError("failed to encrypt refresh token", err)
	}
	return SealedTokens{AccessToken: access, RefreshToken: refresh}, nil
}

// OpenTokens reverses SealTokens into cred.
func OpenTokens(c crypto.Cipher, sealed SealedTokens, cred *Credential) error {
	if c == nil {
		c = crypto.PlainCipher{}
	}
	aad := cred.Key.String()

	access, err := c.Decrypt(sealed.AccessToken, aad)
	if err != nil {
		return errors.InternalError("failed to decrypt access token", err)
	}
	refresh, err := c.Decrypt(sealed.RefreshToken, aad)
	if err != nil {
		return errors.InternalError("failed to decrypt refresh token", err)
	}

	cred.AccessToken = access
	cred.RefreshToken = refresh
	return nil
}
