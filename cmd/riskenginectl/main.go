// riskenginectl готовит секреты для конфигурации riskengine:
//
//	riskenginectl gen-key                      ключ для ENCRYPTION_KEY
//	riskenginectl seal                         секрет со stdin -> ENC(...)
//	riskenginectl hash-password [-cost 12]     пароль со stdin -> bcrypt хеш для ops_password_hash
//	riskenginectl totp [-account ops]          новый TOTP секрет и otpauth:// URL
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pquerna/otp/totp"

	"riskengine/pkg/crypto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: riskenginectl gen-key | seal | hash-password [-cost N] | totp [-issuer I] [-account A]")
}

func run(cmd string, args []string, in io.Reader, out io.Writer) error {
	switch cmd {
	case "gen-key":
		key, err := crypto.GenerateKeyHex()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, key)
		return nil

	case "seal":
		key, err := crypto.ParseKey(os.Getenv("ENCRYPTION_KEY"))
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		secret, err := readLine(in)
		if err != nil {
			return err
		}
		sealed, err := crypto.SealSecret(secret, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, sealed)
		return nil

	case "hash-password":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		cost := fs.Int("cost", crypto.DefaultCost, "bcrypt cost")
		if err := fs.Parse(args); err != nil {
			return err
		}
		password, err := readLine(in)
		if err != nil {
			return err
		}
		hash, err := crypto.HashPassword(password, *cost)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hash)
		return nil

	case "totp":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		issuer := fs.String("issuer", "riskengine", "issuer shown in the authenticator")
		account := fs.String("account", "ops", "account name")
		if err := fs.Parse(args); err != nil {
			return err
		}
		key, err := totp.Generate(totp.GenerateOpts{Issuer: *issuer, AccountName: *account})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "secret: %s\nurl:    %s\n", key.Secret(), key.URL())
		return nil
	}

	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

// readLine читает одну строку со stdin без завершающего перевода строки
func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}
