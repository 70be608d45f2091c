package sshkey

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/pem"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/hpcgate/hpcgate/security"
)

func writeKey(t *testing.T, fs afero.Fs, path string, passphrase []byte) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	var block *pem.Block
	if passphrase == nil {
		block, err = ssh.MarshalPrivateKey(priv, "u1@login")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "u1@login", passphrase)
	}
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, pem.EncodeToMemory(block), 0600))
}

func TestFetchPlainKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKey(t, fs, "/home/u1/.ssh/id_ecdsa", nil)
	p := NewProvider(Config{KeyFile: "/home/u1/.ssh/id_ecdsa"}, fs, nil)

	cred, err := p.Fetch(context.Background(), security.Params{Identity: "u1"})
	require.NoError(t, err)
	assert.True(t, cred.Expiry.IsZero())
	_, err = ssh.ParsePrivateKey(cred.Material)
	assert.NoError(t, err)
}

func TestFetchEncryptedKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKey(t, fs, "/keys/u1", []byte("hunter2"))
	clk := clock.NewMock()
	p := NewProvider(Config{Lifetime: time.Hour}, fs, clk)

	params := security.Params{Identity: "u1", Secret: []byte("hunter2"), Options: map[string]string{"key_file": "/keys/u1"}}
	cred, err := p.Fetch(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Hour), cred.Expiry)
	_, err = ssh.ParsePrivateKey(cred.Material)
	assert.NoError(t, err, "decrypted material should parse without a passphrase")

	params.Secret = []byte("wrong")
	_, err = p.Fetch(context.Background(), params)
	assert.Error(t, err)

	params.Secret = nil
	_, err = p.Fetch(context.Background(), params)
	assert.Error(t, err)
}

func TestFetchMissingKey(t *testing.T) {
	p := NewProvider(Config{}, afero.NewMemMapFs(), nil)
	_, err := p.Fetch(context.Background(), security.Params{Identity: "u1"})
	assert.Error(t, err)

	p = NewProvider(Config{KeyFile: "/nope"}, afero.NewMemMapFs(), nil)
	_, err = p.Fetch(context.Background(), security.Params{Identity: "u1"})
	assert.Error(t, err)
}
