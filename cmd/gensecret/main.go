package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

const defaultSecretKeyBytesLen = 32

// Print a random hex secret for SECRET_KEY
func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, args []string) error {
	fs := pflag.NewFlagSet("gensecret", pflag.ContinueOnError)
	n := fs.IntP("bytes", "n", defaultSecretKeyBytesLen, "Secret length in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n < 16 {
		return errors.New("secret shorter than 16 bytes is too weak for HMAC")
	}

	b := make([]byte, *n)
	if _, err := rand.Read(b); err != nil {
		return err
	}

	_, err := fmt.Fprintln(w, hex.EncodeToString(b))
	return err
}
