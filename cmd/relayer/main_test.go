package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() config {
	return config{
		Account:    "0x3000000000000000000000000000000000000003",
		KeyfileDir: "/tmp/keys",
		Homechain: chainConfig{
			WSURI: "ws://localhost:8546",
			Token: "0x1000000000000000000000000000000000000001",
			Relay: "0x2000000000000000000000000000000000000002",
		},
		Sidechain: chainConfig{
			WSURI: "ws://localhost:8547",
			Token: "0x1000000000000000000000000000000000000001",
			Relay: "0x2000000000000000000000000000000000000002",
		},
	}
}

func TestCheckConfigDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, checkConfig(&cfg))

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.EndpointPort)
	assert.Equal(t, uint64(12), cfg.Confirmations)
	assert.Equal(t, uint64(100), cfg.AnchorFrequency)
	assert.Equal(t, uint64(30), cfg.Homechain.Interval)
	assert.Equal(t, uint64(60), cfg.Homechain.Timeout)
	assert.Equal(t, uint64(500_000), cfg.Sidechain.GasLimit)
	assert.Equal(t, uint64(10_000), cfg.Sidechain.MaxLookback)
}

func TestCheckConfigRejectsBadValues(t *testing.T) {
	cfg := validConfig()
	cfg.Account = "not-an-address"
	assert.Error(t, checkConfig(&cfg))

	cfg = validConfig()
	cfg.Homechain.WSURI = ""
	assert.Error(t, checkConfig(&cfg))

	cfg = validConfig()
	cfg.Sidechain.Relay = "0x0000000000000000000000000000000000000000"
	assert.Error(t, checkConfig(&cfg))

	cfg = validConfig()
	cfg.EndpointPort = 70000
	assert.Error(t, checkConfig(&cfg))

	// The anchor cadence must clear the confirmation depth.
	cfg = validConfig()
	cfg.Confirmations = 100
	cfg.AnchorFrequency = 100
	assert.Error(t, checkConfig(&cfg))
}

func TestUnlockAccount(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	acct, err := ks.ImportECDSA(priv, "hunter2")
	require.NoError(t, err)

	got, err := unlockAccount(dir, acct.Address, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(priv.PublicKey), crypto.PubkeyToAddress(got.PublicKey))
}

func TestUnlockAccountWrongPassword(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	acct, err := ks.ImportECDSA(priv, "hunter2")
	require.NoError(t, err)

	_, err = unlockAccount(dir, acct.Address, "wrong")
	assert.Error(t, err)
}

func TestUnlockAccountMissingKeystore(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = unlockAccount(t.TempDir(), crypto.PubkeyToAddress(priv.PublicKey), "hunter2")
	assert.Error(t, err)
}
