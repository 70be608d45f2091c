// Package sshkey provides credentials backed by an SSH private key file.
package sshkey

import (
	"context"
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/hpcgate/hpcgate/security"
)

const Scheme = "sshkey"

type Config struct {
	// Used when Params.Options["key_file"] is unset.
	KeyFile string
	// Zero means the loaded key never expires.
	Lifetime time.Duration
}

// Provider reads keys from fs. Passphrase protected keys are decrypted with
// Params.Secret and handed out as unencrypted OpenSSH PEM, so the material
// only exists in clear in memory.
type Provider struct {
	cfg Config
	fs  afero.Fs
	clk clock.Clock
}

func NewProvider(cfg Config, fs afero.Fs, clk clock.Clock) *Provider {
	if clk == nil {
		clk = clock.New()
	}
	return &Provider{cfg: cfg, fs: fs, clk: clk}
}

func (p *Provider) Fetch(ctx context.Context, params security.Params) (security.Credential, error) {
	path := params.Options["key_file"]
	if path == "" {
		path = p.cfg.KeyFile
	}
	if path == "" {
		return security.Credential{}, fmt.Errorf("no key file configured for %s", params.Identity)
	}
	raw, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return security.Credential{}, fmt.Errorf("reading key: %v", err)
	}

	material, decrypted, err := decrypt(raw, params.Secret)
	if err != nil || decrypted {
		security.Zero(raw)
	}
	if err != nil {
		return security.Credential{}, fmt.Errorf("loading key %s: %v", path, err)
	}

	cred := security.Credential{Material: material}
	if p.cfg.Lifetime > 0 {
		cred.Expiry = p.clk.Now().Add(p.cfg.Lifetime)
	}
	return cred, nil
}

// decrypt returns raw itself for an unencrypted key.
func decrypt(raw, passphrase []byte) (material []byte, decrypted bool, err error) {
	_, err = ssh.ParseRawPrivateKey(raw)
	if err == nil {
		return raw, false, nil
	}
	if _, ok := err.(*ssh.PassphraseMissingError); !ok {
		return nil, false, err
	}
	if len(passphrase) == 0 {
		return nil, false, fmt.Errorf("key is encrypted and no passphrase was given")
	}
	key, err := ssh.ParseRawPrivateKeyWithPassphrase(raw, passphrase)
	if err != nil {
		return nil, false, err
	}
	if k, ok := key.(*ed25519.PrivateKey); ok {
		key = *k
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return nil, false, err
	}
	return pem.EncodeToMemory(block), true, nil
}
