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

package identitystore

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/scrypt"
)

// RSAKeySize is the modulus size used for all generated identity keys.
const RSAKeySize = 2048

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// generateKeyPair creates a fresh RSA private key.
func generateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return nil, trace.Wrap(err, "generating private key")
	}
	return key, nil
}

// privateKeyPEM PEM-encodes a private key's PKCS#1 DER form. PKCS#1 is used
// instead of PKCS#8 to maintain compatibility with third-party clients
// that expect a bare RSA PRIVATE KEY block.
func privateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing private key")
	}
	return key, nil
}

// deriveKey stretches a seed password into a symmetric key using scrypt
// with a per-identity salt.
func deriveKey(seedPassword string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(seedPassword), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, trace.Wrap(err, "deriving key from seed password")
	}
	return key, nil
}

// encryptedBlob is the on-disk shape of private.key.enc: a per-identity
// salt, the GCM nonce and the sealed PEM-encoded private key.
type encryptedBlob struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// encryptPrivateKey seals the PEM-encoded private key with a key derived
// from the seed password, using AES-GCM.
func encryptPrivateKey(keyPEM []byte, seedPassword string) (*encryptedBlob, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, trace.Wrap(err, "generating salt")
	}
	derived, err := deriveKey(seedPassword, salt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, trace.Wrap(err, "generating nonce")
	}
	ciphertext := gcm.Seal(nil, nonce, keyPEM, nil)
	return &encryptedBlob{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// decryptPrivateKey reverses encryptPrivateKey. A wrong seed password
// produces an authentication failure from GCM, surfaced as AccessDenied.
func decryptPrivateKey(blob *encryptedBlob, seedPassword string) ([]byte, error) {
	derived, err := deriveKey(seedPassword, blob.Salt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plain, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, trace.AccessDenied("incorrect seed password")
	}
	return plain, nil
}

// generateCSR builds a PKCS#10 certificate request for name, signed by
// key, ready to be posted to the authority.
func generateCSR(key *rsa.PrivateKey, name string) ([]byte, error) {
	template := x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: name},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, trace.Wrap(err, "creating CSR")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// signPayload produces an RSA-PSS/SHA-256 signature, the format verified
// server-side for sign-in proof-of-possession and heartbeat datagrams.
func signPayload(key *rsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, trace.Wrap(err, "signing payload")
	}
	return sig, nil
}

// verifySignature checks an RSA-PSS/SHA-256 signature against pub.
func verifySignature(pub *rsa.PublicKey, payload, sig []byte) error {
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return trace.AccessDenied("signature verification failed")
	}
	return nil
}

// selfSignedCert mints a throwaway self-signed certificate for a guest
// identity, which has no authority to vouch for it.
func selfSignedCert(key *rsa.PrivateKey, name string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, trace.Wrap(err, "creating self-signed guest certificate")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}
