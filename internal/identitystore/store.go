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

// Package identitystore implements C1: key generation, CSR issuance,
// PEM import/export and seed-password-encrypted storage of AID private
// keys, laid out one directory per identity under <storage>/aids/<aid>/.
package identitystore

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/agentcp-io/agentcp-go/api/types"
)

const (
	privateKeyFile = "private.key.enc"
	certFile       = "cert.pem"
	metaFile       = "meta.json"
	dirPerm        = 0o700
	filePerm       = 0o600
)

// AuthorityClient is the single capability identitystore needs from the
// entry point: turning a CSR into a signed certificate chain. The
// concrete implementation lives in internal/entrypoint; identitystore
// only depends on this narrow interface to avoid a package cycle.
type AuthorityClient interface {
	SubmitCSR(ctx context.Context, authority string, csrPEM []byte) (certChainPEM []byte, err error)
}

// meta is the small per-identity metadata file.
type meta struct {
	AID       types.AID `json:"aid"`
	Authority string    `json:"authority"`
	Guest     bool      `json:"guest"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages on-disk AID directories under baseDir/aids/<aid>/.
type Store struct {
	baseDir string
	log     logrus.FieldLogger

	mu     sync.Mutex
	loaded map[types.AID]*rsa.PrivateKey // decrypted keys recorded by Load and dropped by Delete; not read back
}

// NewStore creates a Store rooted at baseDir, creating the aids/
// subdirectory if it does not exist.
func NewStore(baseDir string) (*Store, error) {
	dir := filepath.Join(baseDir, "aids")
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Store{
		baseDir: baseDir,
		log:     logrus.WithField(trace.Component, "identitystore"),
		loaded:  make(map[types.AID]*rsa.PrivateKey),
	}, nil
}

func (s *Store) dirFor(aid types.AID) string {
	return filepath.Join(s.baseDir, "aids", string(aid))
}

// GenerateIdentity creates a new key pair, issues a CSR for name against
// authority, posts it via ca, and persists the resulting identity
// encrypted with seedPassword.
func (s *Store) GenerateIdentity(ctx context.Context, ca AuthorityClient, authority, name, seedPassword string) (types.AID, error) {
	aid := types.AID(fmt.Sprintf("%s.%s", name, authority))
	if err := aid.Validate(); err != nil {
		return "", trace.Wrap(err)
	}

	key, err := generateKeyPair()
	if err != nil {
		return "", trace.Wrap(err)
	}
	csr, err := generateCSR(key, name)
	if err != nil {
		return "", trace.Wrap(err)
	}
	certChain, err := ca.SubmitCSR(ctx, authority, csr)
	if err != nil {
		return "", trace.Wrap(err, "submitting CSR to authority %q", authority)
	}

	if err := s.persist(aid, authority, key, certChain, seedPassword, false); err != nil {
		return "", trace.Wrap(err)
	}
	s.log.Infof("generated identity %s", aid)
	return aid, nil
}

// Import stores a pre-existing private key and certificate chain under aid,
// encrypting the key with seedPassword.
func (s *Store) Import(aid types.AID, privateKey, certChainPEM []byte, seedPassword string) error {
	if err := aid.Validate(); err != nil {
		return trace.Wrap(err)
	}
	key, err := parsePrivateKeyPEM(privateKey)
	if err != nil {
		return trace.Wrap(err)
	}
	return s.persist(aid, aid.Authority(), key, certChainPEM, seedPassword, false)
}

func (s *Store) persist(aid types.AID, authority string, key *rsa.PrivateKey, certChainPEM []byte, seedPassword string, guest bool) error {
	dir := s.dirFor(aid)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return trace.ConvertSystemError(err)
	}

	blob, err := encryptPrivateKey(privateKeyPEM(key), seedPassword)
	if err != nil {
		return trace.Wrap(err)
	}
	encoded, err := json.Marshal(blob)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), encoded, filePerm); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(filepath.Join(dir, certFile), certChainPEM, filePerm); err != nil {
		return trace.ConvertSystemError(err)
	}
	m := meta{AID: aid, Authority: authority, Guest: guest, CreatedAt: time.Now().UTC()}
	metaBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), metaBytes, filePerm); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// LoadedIdentity is a decrypted, usable identity: it implements
// types.Signer without ever exposing the raw private key to callers.
type LoadedIdentity struct {
	identity types.Identity
	key      *rsa.PrivateKey
}

// AID implements types.Signer.
func (l *LoadedIdentity) AID() types.AID { return l.identity.AID }

// Identity returns the public identity record (cert chain, authority, guest flag).
func (l *LoadedIdentity) Identity() types.Identity { return l.identity }

// Sign implements types.Signer using RSA-PSS/SHA-256.
func (l *LoadedIdentity) Sign(payload []byte) ([]byte, error) {
	return signPayload(l.key, payload)
}

// Load decrypts and returns the identity stored under aid, using
// seedPassword to unwrap its private key.
func (s *Store) Load(aid types.AID, seedPassword string) (*LoadedIdentity, error) {
	dir := s.dirFor(aid)
	m, err := s.readMeta(dir)
	if err != nil {
		return nil, err
	}

	rawBlob, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, mapMissingFile(err, aid)
	}
	certChain, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, mapMissingFile(err, aid)
	}

	var blob encryptedBlob
	if err := json.Unmarshal(rawBlob, &blob); err != nil {
		return nil, trace.Wrap(err, "corrupt private key file for %s", aid)
	}
	keyPEM, err := decryptPrivateKey(&blob, seedPassword)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.mu.Lock()
	s.loaded[aid] = key
	s.mu.Unlock()

	return &LoadedIdentity{
		identity: types.Identity{AID: aid, Authority: m.Authority, CertChain: certChain, Guest: m.Guest},
		key:      key,
	}, nil
}

func (s *Store) readMeta(dir string) (*meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("identity not found in %s", dir)
		}
		return nil, trace.ConvertSystemError(err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, trace.Wrap(err, "corrupt metadata in %s", dir)
	}
	return &m, nil
}

func mapMissingFile(err error, aid types.AID) error {
	if os.IsNotExist(err) {
		return trace.NotFound("identity %s is missing required files", aid)
	}
	return trace.ConvertSystemError(err)
}

// Delete erases the identity directory for aid. It refuses to run if the
// directory is missing required files: a half-written or wrong-target
// identity directory is left alone rather than silently destroyed.
func (s *Store) Delete(aid types.AID) error {
	dir := s.dirFor(aid)
	for _, f := range []string{privateKeyFile, certFile, metaFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			if os.IsNotExist(err) {
				return trace.NotFound("identity %s is missing %s, refusing to delete", aid, f)
			}
			return trace.ConvertSystemError(err)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return trace.ConvertSystemError(err)
	}
	s.mu.Lock()
	delete(s.loaded, aid)
	s.mu.Unlock()
	return nil
}

// List returns every AID with a directory under the store.
func (s *Store) List() ([]types.AID, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "aids"))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	aids := make([]types.AID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			aids = append(aids, types.AID(e.Name()))
		}
	}
	return aids, nil
}

// NewGuestName returns a random local name prefixed "guest".
func NewGuestName() string {
	return fmt.Sprintf("%s-%s", types.GuestPrefix, uuid.NewString()[:8])
}

// LoadGuest mints an ephemeral identity for authority: a fresh key pair
// and a self-signed certificate, never written to disk. Guest identities
// are throwaway by design, so there is nothing to persist or later load.
func (s *Store) LoadGuest(authority string) (*LoadedIdentity, error) {
	name := NewGuestName()
	aid := types.AID(fmt.Sprintf("%s.%s", name, authority))
	key, err := generateKeyPair()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := selfSignedCert(key, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &LoadedIdentity{
		identity: types.Identity{AID: aid, Authority: authority, CertChain: cert, Guest: true},
		key:      key,
	}, nil
}
