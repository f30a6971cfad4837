package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/netip"
	"strings"
	"time"
)

// certBackdate absorbs small clock skew between the gate and its clients.
const certBackdate = time.Minute

// GenerateSelfSignedCert issues a short-lived certificate whose SANs are
// hosts (DNS names or IP literals) so the gate can terminate TLS locally
// without ACME.
func GenerateSelfSignedCert(hosts []string, validFor time.Duration) (tls.Certificate, error) {
	if validFor <= 0 {
		return tls.Certificate{}, errors.New("cert: validity must be positive")
	}

	now := time.Now()
	template := &x509.Certificate{
		Subject:               pkix.Name{Organization: []string{"corsgate self-signed"}},
		NotBefore:             now.Add(-certBackdate),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if ip, err := netip.ParseAddr(strings.Trim(h, "[]")); err == nil {
			template.IPAddresses = append(template.IPAddresses, ip.AsSlice())
			continue
		}
		template.DNSNames = append(template.DNSNames, strings.ToLower(h))
	}
	if len(template.IPAddresses)+len(template.DNSNames) == 0 {
		return tls.Certificate{}, errors.New("cert: at least one host is required")
	}
	template.Subject.CommonName = strings.TrimSpace(hosts[0])

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	template.SerialNumber = serial

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
