// Command keygen creates an RSA private key in PEM form for the broker's
// keyfiles setting. Listing keyfiles in the configuration switches the broker
// from automatic key rotation to manually managed keys.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"portierd/broker"
)

func main() {
	out := flag.String("out", "signing_key.pem", "Output path for the PEM encoded private key")
	bits := flag.Int("bits", 2048, "RSA key size in bits")
	force := flag.Bool("force", false, "Overwrite an existing file")
	flag.Parse()

	if err := run(*out, *bits, *force, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(path string, bits int, force bool, w io.Writer) error {
	if bits < 2048 {
		return fmt.Errorf("key size %d is too small, use 2048 or more", bits)
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, pass -force to overwrite", path)
		}
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	key, err := broker.NewSigningKey(rsaKey)
	if err != nil {
		return err
	}

	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write keyfile: %w", err)
	}

	fmt.Fprintf(w, "wrote %s\n", path)
	fmt.Fprintf(w, "kid: %s\n", key.KeyID())
	return nil
}
