package app

import (
	"errors"
	"fmt"
	"strings"
)

// credentials are read from the environment only, never from the config file.
type credentials struct {
	NadoPrivateKey string
	HLPrivateKey   string
	HLWallet       string
	HLAccount      string
	HLVault        string
}

func loadCredentials(getenv func(string) string) (credentials, error) {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }
	c := credentials{
		NadoPrivateKey: get("NADO_PRIVATE_KEY"),
		HLPrivateKey:   get("HL_PRIVATE_KEY"),
		HLWallet:       get("HL_WALLET_ADDRESS"),
		HLAccount:      get("HL_ACCOUNT_ADDRESS"),
		HLVault:        get("HL_VAULT_ADDRESS"),
	}
	var missing []string
	if c.NadoPrivateKey == "" {
		missing = append(missing, "NADO_PRIVATE_KEY")
	}
	if c.HLPrivateKey == "" {
		missing = append(missing, "HL_PRIVATE_KEY")
	}
	if len(missing) > 0 {
		return credentials{}, fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	return c, nil
}

// hlUser is the address whose hedge positions and orders are queried.
func (c credentials) hlUser(signerAddress string) (string, error) {
	if c.HLWallet != "" && !strings.EqualFold(c.HLWallet, signerAddress) {
		return "", fmt.Errorf("HL_WALLET_ADDRESS does not match HL_PRIVATE_KEY: got %s expected %s", c.HLWallet, signerAddress)
	}
	for _, addr := range []string{c.HLAccount, c.HLVault, c.HLWallet, signerAddress} {
		if addr != "" {
			return addr, nil
		}
	}
	return "", errors.New("hedge account address is unknown")
}
