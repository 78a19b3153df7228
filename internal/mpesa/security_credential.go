package mpesa

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/dotpay/backend/internal/config"
	apperrors "github.com/dotpay/backend/internal/errors"
)

// allowedRSAKeySizes are the decoded-ciphertext lengths that correspond to
// valid RSA key sizes (128/192/256/384/512 bytes -> 1024/1536/2048/3072/4096-bit keys).
var allowedRSAKeySizes = map[int]bool{128: true, 192: true, 256: true, 384: true, 512: true}

// DeriveSecurityCredential RSA-encrypts the initiator password with PKCS#1
// v1.5 using the provider's X.509 public key at certPath, base64-encoding the
// result. If cfg.SecurityCredential is
// already set, it is returned unchanged; callers only derive it when the
// operator configured a cert + initiator password instead.
func DeriveSecurityCredential(cfg config.MpesaConfig) (string, error) {
	if cfg.SecurityCredential != "" {
		return cfg.SecurityCredential, nil
	}
	if cfg.CertPath == "" || cfg.InitiatorPassword == "" {
		return "", apperrors.Config(apperrors.ErrCodeConfigMissing,
			"either security_credential or both cert_path and initiator_password must be configured")
	}

	pubKey, err := loadRSAPublicKey(cfg.CertPath)
	if err != nil {
		return "", err
	}

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pubKey, []byte(cfg.InitiatorPassword))
	if err != nil {
		return "", apperrors.Validation(apperrors.ErrCodeInvalidSecurityCredential, "failed to RSA-encrypt initiator password").WithCause(err)
	}
	if !allowedRSAKeySizes[len(ciphertext)] {
		return "", apperrors.Validation(apperrors.ErrCodeInvalidSecurityCredential,
			fmt.Sprintf("unexpected RSA ciphertext length %d, not a recognized RSA key size", len(ciphertext)))
	}

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// loadRSAPublicKey reads an X.509 certificate (PEM) from path and returns its
// RSA public key.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Config(apperrors.ErrCodeConfigMissing, "failed to read Daraja public certificate").WithCause(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, apperrors.Config(apperrors.ErrCodeConfigMissing, "Daraja public certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apperrors.Config(apperrors.ErrCodeConfigMissing, "failed to parse Daraja public certificate").WithCause(err)
	}
	pubKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, apperrors.Config(apperrors.ErrCodeConfigMissing, "Daraja public certificate does not contain an RSA key")
	}
	return pubKey, nil
}
