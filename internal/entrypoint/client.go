/*
Copyright 2024 The AgentCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package entrypoint implements C2: the HTTP client that signs an AID in
// and out of the authority's entry point, and validates the authority's
// published certificate.
package entrypoint

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentcp-io/agentcp-go/api/types"
	"github.com/agentcp-io/agentcp-go/internal/tracing"
)

const (
	connectTimeout = 3 * time.Second
	readTimeout    = 10 * time.Second

	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	maxElapsed     = 2 * time.Minute
)

// Signer is satisfied by a loaded identity: it can prove possession of
// its private key by signing a payload.
type Signer = types.Signer

// Config configures a Client.
type Config struct {
	// CABase is the base URL of the authority's entry point, e.g.
	// "https://ca.example.com".
	CABase string
	// HTTPClient, if set, overrides the default connect/read-timeout
	// client. Tests inject one pointed at an httptest.Server.
	HTTPClient *http.Client
	Log        logrus.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.CABase == "" {
		return trace.BadParameter("missing CABase")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Timeout: connectTimeout + readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSClientConfig: &tls.Config{
					VerifyConnection: dialTLSVerify,
				},
			},
		}
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "entrypoint")
	}
	return nil
}

// Client is the C2 entry-point HTTP client.
type Client struct {
	cfg Config
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

type signInRequest struct {
	AID       types.AID `json:"aid"`
	Timestamp int64     `json:"timestamp"`
	Nonce     string    `json:"nonce"`
	Signature []byte    `json:"signature"`
}

type signInResponse struct {
	ServerIP   string `json:"server_ip"`
	Port       int    `json:"port"`
	Interval   int    `json:"interval"`
	WSURL      string `json:"ws_url"`
	SignCookie []byte `json:"sign_cookie"`
}

// SignIn posts a signed proof-of-possession payload to the authority and
// returns the resulting presence ticket. It retries with exponential
// backoff capped at 30s; the backoff policy is constructed fresh on every
// call so no "already retried" state survives between invocations.
func (c *Client) SignIn(ctx context.Context, signer Signer) (*types.Ticket, error) {
	var ticket *types.Ticket

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff
	policy.MaxInterval = maxBackoff
	policy.MaxElapsedTime = maxElapsed

	op := func() error {
		tk, err := c.signInOnce(ctx, signer)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		ticket = tk
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if pe, ok := err.(*backoff.PermanentError); ok {
			return nil, trace.Wrap(pe.Err)
		}
		// Retry hands back the error wrapped by backoff.Permanent unwrapped.
		if isPermanent(err) {
			return nil, trace.Wrap(err)
		}
		return nil, trace.ConnectionProblem(err, "sign_in to %s exhausted retries", c.cfg.CABase)
	}
	return ticket, nil
}

// isPermanent reports whether retrying err can never succeed (e.g. a 4xx
// that isn't a 401, which is the only status worth a reauth-style retry).
func isPermanent(err error) bool {
	return trace.IsBadParameter(err)
}

func (c *Client) signInOnce(ctx context.Context, signer Signer) (tk *types.Ticket, err error) {
	ctx, span := tracing.Tracer.Start(ctx, "entrypoint.SignIn",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.RPCServiceKey.String("entrypoint.Client"),
			semconv.RPCMethodKey.String("SignIn"),
			attribute.String("aid", string(signer.AID())),
		),
	)
	defer func() { tracing.RecordOutcome(span, err) }()

	nonce := uuid.NewString()
	ts := time.Now().Unix()
	payload := []byte(fmt.Sprintf("%s|%d|%s", signer.AID(), ts, nonce))
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, trace.Wrap(err, "signing proof of possession")
	}

	reqBody, err := json.Marshal(signInRequest{
		AID:       signer.AID(),
		Timestamp: ts,
		Nonce:     nonce,
		Signature: sig,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CABase+"/signin", bytes.NewReader(reqBody))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "sign_in request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading sign_in response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var sr signInResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return nil, trace.BadParameter("malformed sign_in response: %v", err)
		}
		return &types.Ticket{
			AID:           signer.AID(),
			SignalingURL:  sr.WSURL,
			HeartbeatHost: sr.ServerIP,
			HeartbeatPort: sr.Port,
			SignCookie:    sr.SignCookie,
			IntervalHint:  time.Duration(sr.Interval) * time.Second,
			IssuedAt:      time.Now(),
			TTL:           0,
		}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, trace.ConnectionProblem(nil, "sign_in unauthorized, retrying")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, trace.BadParameter("sign_in rejected: %d %s", resp.StatusCode, string(body))
	default:
		return nil, trace.ConnectionProblem(nil, "sign_in server error: %d", resp.StatusCode)
	}
}

type signOutRequest struct {
	AID       types.AID `json:"aid"`
	Signature []byte    `json:"signature"`
}

// SignOut posts a signed sign-out request. A 200 or 204 is success.
func (c *Client) SignOut(ctx context.Context, signer Signer) (err error) {
	ctx, span := tracing.Tracer.Start(ctx, "entrypoint.SignOut",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.RPCServiceKey.String("entrypoint.Client"),
			semconv.RPCMethodKey.String("SignOut"),
			attribute.String("aid", string(signer.AID())),
		),
	)
	defer func() { tracing.RecordOutcome(span, err) }()

	sig, err := signer.Sign([]byte(fmt.Sprintf("signout|%s", signer.AID())))
	if err != nil {
		return trace.Wrap(err)
	}
	body, err := json.Marshal(signOutRequest{AID: signer.AID(), Signature: sig})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CABase+"/signout", bytes.NewReader(body))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "sign_out request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return trace.ConnectionProblem(nil, "sign_out failed: %d", resp.StatusCode)
	}
	return nil
}

// VerifyServerCert fetches the authority's published certificate and
// compares it against the locally expected pool.
func (c *Client) VerifyServerCert(ctx context.Context, expected *x509.CertPool) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.CABase+"/cert", nil)
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "fetching authority certificate")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.ConnectionProblem(nil, "fetching authority certificate: %d", resp.StatusCode)
	}
	der, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return trace.Wrap(err, "parsing authority certificate")
	}
	if _, err := cert.Verify(x509.VerifyOptions{Roots: expected}); err != nil {
		return trace.AccessDenied("authority certificate does not match expected roots: %v", err)
	}
	return nil
}

// SubmitCSR posts a certificate signing request to the authority and
// returns the signed chain. It satisfies identitystore.AuthorityClient.
func (c *Client) SubmitCSR(ctx context.Context, authority string, csrPEM []byte) (chain []byte, err error) {
	ctx, span := tracing.Tracer.Start(ctx, "entrypoint.SubmitCSR",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.RPCServiceKey.String("entrypoint.Client"),
			semconv.RPCMethodKey.String("SubmitCSR"),
			attribute.String("authority", authority),
		),
	)
	defer func() { tracing.RecordOutcome(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CABase+"/csr", bytes.NewReader(csrPEM))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-pem-file")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "submitting CSR")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.BadParameter("CSR rejected by %s: %d %s", authority, resp.StatusCode, string(body))
	}
	return body, nil
}

// dialTLSVerify is the default HTTPClient's tls.Config.VerifyConnection
// hook: it rejects a handshake that somehow completed with no peer
// certificate before any application-layer check ever runs.
func dialTLSVerify(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return trace.AccessDenied("no peer certificates presented")
	}
	return nil
}
