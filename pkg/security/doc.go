/*
Package security protects the registry credentials hutch stores locally.

# Encryption

SecretsManager encrypts with AES-256-GCM. Ciphertexts carry their random
nonce as a prefix:

	[ nonce (12 bytes) | ciphertext + GCM tag ]

The 32-byte key is generated on first use and kept in a key file readable
only by its owner (LoadOrCreateKey). Losing the key file makes the stored
credentials unreadable; `hutch login` stores them again.

# Registry credentials

CredentialStore implements action.CredentialProvider. Pull actions ask it for
credentials in two situations:

  - before pulling from a registry listed in pull.authHosts
  - after a registry answered unauthorized (refresh)

Stored credentials are returned first. When none exist, or the registry has
just rejected them, the installed PromptFunc is asked; without a prompt the
request fails with action.ErrAuthCanceled and the pull stops retrying.

	key, err := security.LoadOrCreateKey(filepath.Join(dataDir, "hutch.key"))
	sm, err := security.NewSecretsManager(key)
	creds := security.NewCredentialStore(store, sm, cfg.Pull.AuthHosts)
	err = creds.Login("ghcr.io", "bot", token)
*/
package security
