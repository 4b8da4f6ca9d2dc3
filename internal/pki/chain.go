package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Files that make up a chain directory.
const (
	RootKeyFile          = "root_ca.key"
	RootCertFile         = "root_ca.crt"
	IntermediateKeyFile  = "intermediate_ca.key"
	IntermediateCertFile = "intermediate_ca.crt"
	LeafCertFile         = "si_certificate.crt"
)

var chainFiles = []string{RootKeyFile, RootCertFile, IntermediateKeyFile, IntermediateCertFile, LeafCertFile}

const caValidityYears = 10

// ChainOptions describes the chain to load or create.
type ChainOptions struct {
	// InstanceRef becomes the leaf subject common name.
	InstanceRef string
	// Instance is the service signing key the leaf is bound to.
	Instance *KeyPair
	// CAKeyBits sizes the root and intermediate keys. Defaults to 2048.
	CAKeyBits int
	Now       time.Time
}

// Chain is the root → intermediate → service instance certificate chain.
type Chain struct {
	Root            *x509.Certificate
	RootKey         *rsa.PrivateKey
	Intermediate    *x509.Certificate
	IntermediateKey *rsa.PrivateKey
	Leaf            *x509.Certificate

	// Generated is set when EnsureChain had to create the chain.
	Generated bool
}

// EnsureChain loads the chain stored in dir. When any file is missing, or
// the stored leaf is not bound to the current instance key, the whole chain
// is regenerated in a staging directory and swapped in so that dir never
// holds a partial chain. A file that exists but does not parse is an error.
func EnsureChain(dir string, opts ChainOptions) (*Chain, error) {
	if opts.Instance == nil {
		return nil, errors.New("chain: instance key is required")
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.CAKeyBits == 0 {
		opts.CAKeyBits = MinKeyBits
	}

	chain, err := LoadChain(dir)
	switch {
	case err == nil:
		if pub, ok := chain.LeafKey(); ok && pub.Equal(opts.Instance.Public) {
			return chain, nil
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	chain, err = GenerateChain(opts)
	if err != nil {
		return nil, err
	}
	if err := chain.install(dir); err != nil {
		return nil, err
	}
	return chain, nil
}

// LoadChain reads every chain file from dir.
func LoadChain(dir string) (*Chain, error) {
	for _, name := range chainFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("chain file %s: %w", name, err)
		}
	}

	c := &Chain{}
	var err error
	if c.RootKey, err = LoadPrivateKey(filepath.Join(dir, RootKeyFile)); err != nil {
		return nil, err
	}
	if c.IntermediateKey, err = LoadPrivateKey(filepath.Join(dir, IntermediateKeyFile)); err != nil {
		return nil, err
	}
	if c.Root, err = loadCertificate(filepath.Join(dir, RootCertFile)); err != nil {
		return nil, err
	}
	if c.Intermediate, err = loadCertificate(filepath.Join(dir, IntermediateCertFile)); err != nil {
		return nil, err
	}
	if c.Leaf, err = loadCertificate(filepath.Join(dir, LeafCertFile)); err != nil {
		return nil, err
	}
	if _, ok := c.Leaf.PublicKey.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%s: %w", LeafCertFile, ErrNotRSAKey)
	}
	return c, nil
}

// GenerateChain creates a new chain in memory.
func GenerateChain(opts ChainOptions) (*Chain, error) {
	notBefore := opts.Now.Add(-24 * time.Hour).UTC()
	notAfter := opts.Now.AddDate(caValidityYears, 0, 0).UTC()

	rootKey, err := rsa.GenerateKey(rand.Reader, opts.CAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	rootTmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "DLS Root CA", Organization: []string{"fastdls"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          subjectKeyID(&rootKey.PublicKey),
	}
	root, err := createCertificate(rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}

	interKey, err := rsa.GenerateKey(rand.Reader, opts.CAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate intermediate key: %w", err)
	}
	interTmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "DLS Intermediate CA", Organization: []string{"fastdls"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          subjectKeyID(&interKey.PublicKey),
		AuthorityKeyId:        root.SubjectKeyId,
	}
	inter, err := createCertificate(interTmpl, root, &interKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create intermediate certificate: %w", err)
	}

	leafTmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: opts.InstanceRef},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		SubjectKeyId:          subjectKeyID(opts.Instance.Public),
		AuthorityKeyId:        inter.SubjectKeyId,
	}
	leaf, err := createCertificate(leafTmpl, inter, opts.Instance.Public, interKey)
	if err != nil {
		return nil, fmt.Errorf("create service instance certificate: %w", err)
	}

	return &Chain{
		Root:            root,
		RootKey:         rootKey,
		Intermediate:    inter,
		IntermediateKey: interKey,
		Leaf:            leaf,
		Generated:       true,
	}, nil
}

// Verify checks the leaf against the chain at the given time.
func (c *Chain) Verify(at time.Time) error {
	roots := x509.NewCertPool()
	roots.AddCert(c.Root)
	inters := x509.NewCertPool()
	inters.AddCert(c.Intermediate)

	_, err := c.Leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inters,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// CAChainPEM returns the intermediate followed by the root certificate.
func (c *Chain) CAChainPEM() string {
	return string(certPEM(c.Intermediate)) + string(certPEM(c.Root))
}

// LeafKey returns the public key bound by the leaf certificate.
func (c *Chain) LeafKey() (*rsa.PublicKey, bool) {
	pub, ok := c.Leaf.PublicKey.(*rsa.PublicKey)
	return pub, ok
}

// LeafPEM returns the service instance certificate.
func (c *Chain) LeafPEM() string {
	return string(certPEM(c.Leaf))
}

func (c *Chain) install(dir string) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create chain parent: %w", err)
	}

	staging, err := os.MkdirTemp(parent, ".chain-staging-")
	if err != nil {
		return fmt.Errorf("create chain staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	files := map[string][]byte{
		RootKeyFile:          NewKeyPair(c.RootKey).PrivatePEM(),
		RootCertFile:         certPEM(c.Root),
		IntermediateKeyFile:  NewKeyPair(c.IntermediateKey).PrivatePEM(),
		IntermediateCertFile: certPEM(c.Intermediate),
		LeafCertFile:         certPEM(c.Leaf),
	}
	for name, data := range files {
		perm := os.FileMode(0o644)
		if name == RootKeyFile || name == IntermediateKeyFile {
			perm = 0o600
		}
		if err := os.WriteFile(filepath.Join(staging, name), data, perm); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	var old string
	if _, err := os.Stat(dir); err == nil {
		old = fmt.Sprintf("%s.old-%d", dir, time.Now().UnixNano())
		if err := os.Rename(dir, old); err != nil {
			return fmt.Errorf("move previous chain aside: %w", err)
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		if old != "" {
			_ = os.Rename(old, dir)
		}
		return fmt.Errorf("install chain: %w", err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

func createCertificate(tmpl, parent *x509.Certificate, pub *rsa.PublicKey, signer *rsa.PrivateKey) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl.SerialNumber = serial

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: %w", path, ErrNoPEMBlock)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}

func certPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// subjectKeyID is the SHA-1 of the public key bits (RFC 5280 §4.2.1.2 method 1).
func subjectKeyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}
