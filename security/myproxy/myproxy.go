// Package myproxy fetches short-lived delegated X.509 proxy credentials from
// the HTTPS logon front end of a MyProxy credential store.
//
// The service is sent a form POST (username, passphrase, lifetime in seconds)
// and answers with the PEM encoded proxy certificate chain and key. The
// credential expires at the NotAfter of the first certificate.
package myproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/hpcgate/hpcgate/security"
)

const (
	Scheme = "myproxy"

	DefaultLifetime = 14400 * time.Second
)

type Config struct {
	// e.g. https://myproxy.teragrid.org:7513/logon
	Endpoint string
	Lifetime time.Duration
	// PEM bundle of CAs trusted for Endpoint. Empty uses the system pool.
	TrustedCAFile string
	// Per attempt timeout.
	Timeout    time.Duration
	MaxRetries int
	// Delay before retry n (1-based). Defaults to pester.ExponentialJitterBackoff.
	Backoff pester.BackoffStrategy
}

// Provider implements security.Provider.
type Provider struct {
	cfg    Config
	client *pester.Client
}

// NewProvider reads cfg.TrustedCAFile, if any, through fs.
func NewProvider(cfg Config, fs afero.Fs) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("myproxy endpoint is required")
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = pester.ExponentialJitterBackoff
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TrustedCAFile != "" {
		pemBytes, err := afero.ReadFile(fs, cfg.TrustedCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading trusted CAs: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("no certificates in %s", cfg.TrustedCAFile)
		}
		tlsConfig.RootCAs = pool
	}

	hc := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment},
	}
	client := pester.NewExtendedClient(hc)
	client.MaxRetries = cfg.MaxRetries
	client.Backoff = cfg.Backoff
	client.KeepLog = true
	return &Provider{cfg: cfg, client: client}, nil
}

func (p *Provider) Fetch(ctx context.Context, params security.Params) (security.Credential, error) {
	body := formBody(params.Identity, params.Secret, int(p.cfg.Lifetime/time.Second))
	defer security.Zero(body)

	req, err := http.NewRequest(http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return security.Credential{}, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{
			"endpoint": p.cfg.Endpoint,
			"identity": params.Identity,
			"attempts": p.client.LogErrCount(),
		}).Error("Credential service unreachable")
		return security.Credential{}, fmt.Errorf("contacting %s: %v", p.cfg.Endpoint, err)
	}
	defer resp.Body.Close()
	material, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return security.Credential{}, err
	}
	if resp.StatusCode != http.StatusOK {
		security.Zero(material)
		return security.Credential{}, fmt.Errorf("credential service refused %s: %s", params.Identity, resp.Status)
	}
	expiry, err := certificateExpiry(material)
	if err != nil {
		security.Zero(material)
		return security.Credential{}, err
	}
	return security.Credential{Material: material, Expiry: expiry}, nil
}

// certificateExpiry is the NotAfter of the first certificate in pemBytes.
func certificateExpiry(pemBytes []byte) (time.Time, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return time.Time{}, fmt.Errorf("credential service returned no certificate")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing proxy certificate: %v", err)
		}
		return cert.NotAfter, nil
	}
}

// formBody url-encodes the logon form into a buffer the caller can zero.
func formBody(user string, secret []byte, lifetimeSec int) []byte {
	var b []byte
	b = append(b, "username="...)
	b = appendEscaped(b, []byte(user))
	b = append(b, "&passphrase="...)
	b = appendEscaped(b, secret)
	b = append(b, "&lifetime="...)
	b = append(b, strconv.Itoa(lifetimeSec)...)
	return b
}

const hexDigits = "0123456789ABCDEF"

func appendEscaped(dst, src []byte) []byte {
	for _, c := range src {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.', c == '~':
			dst = append(dst, c)
		default:
			dst = append(dst, '%', hexDigits[c>>4], hexDigits[c&15])
		}
	}
	return dst
}
