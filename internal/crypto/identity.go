package crypto

import (
	"fmt"
	"os"
)

// SaveIdentity writes the recovery phrase to the identity key file, mode
// 0600. The file carries the mnemonic itself so the peer identity and the master
// key survive restarts without re-entering the phrase.
func SaveIdentity(path, mnemonic string) error {
	if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// LoadIdentity reads the identity key file and rebuilds the key set.
func LoadIdentity(path string) (*Keys, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	mnemonic := string(b)
	for len(mnemonic) > 0 && (mnemonic[len(mnemonic)-1] == '\n' || mnemonic[len(mnemonic)-1] == '\r') {
		mnemonic = mnemonic[:len(mnemonic)-1]
	}

	return FromMnemonic(mnemonic)
}
