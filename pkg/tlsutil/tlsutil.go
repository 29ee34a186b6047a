// Package tlsutil loads the PEM material the ledger connection is built from.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/c360/sensorledger/errors"
)

var (
	// ErrNoFiles is returned when a credential directory holds no files.
	ErrNoFiles = stderrors.New("no credential file found")
	// ErrMultipleFiles is returned when a credential directory holds more than one file.
	ErrMultipleFiles = stderrors.New("more than one credential file found")
	// ErrInvalidPEM is returned when a CA file has no certificate in it.
	ErrInvalidPEM = stderrors.New("invalid PEM data")
)

// ReadSingleFile reads the only regular file in dir and returns its contents and path.
// Subdirectories are ignored. Zero or several files is an error.
func ReadSingleFile(dir string) ([]byte, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", errors.WrapFatal(err, "tlsutil", "ReadSingleFile", fmt.Sprintf("read directory %s", dir))
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	switch len(files) {
	case 0:
		return nil, "", errors.WrapFatal(ErrNoFiles, "tlsutil", "ReadSingleFile", fmt.Sprintf("scan %s", dir))
	case 1:
	default:
		return nil, "", errors.WrapFatal(
			fmt.Errorf("%w: %v", ErrMultipleFiles, files),
			"tlsutil", "ReadSingleFile", fmt.Sprintf("scan %s", dir))
	}

	path := filepath.Join(dir, files[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errors.WrapFatal(err, "tlsutil", "ReadSingleFile", fmt.Sprintf("read %s", path))
	}
	return data, path, nil
}

// LoadCertPool builds a pool holding only the certificates in caFile.
// The system pool is not consulted; ledger peers are trusted through their own CA.
func LoadCertPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadCertPool", fmt.Sprintf("read CA file %s", caFile))
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.WrapFatal(ErrInvalidPEM, "tlsutil", "LoadCertPool",
			fmt.Sprintf("parse CA certificate from %s", caFile))
	}
	return pool, nil
}

// ClientConfig returns a TLS client configuration trusting caFile. serverName
// overrides the name verified against the peer certificate, which lets a peer
// reached through localhost present its real host name.
func ClientConfig(caFile, serverName string) (*tls.Config, error) {
	pool, err := LoadCertPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, nil
}
