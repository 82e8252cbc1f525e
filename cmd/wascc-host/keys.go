package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nats-io/nkeys"

	"github.com/wasmCloud/wascc-host/pkg/identity"
)

type keyPair struct {
	Kind      string `json:"kind"`
	PublicKey string `json:"public_key"`
	Seed      string `json:"seed"`
}

// runKeysCmd implements `wascc-host keys <account|actor|server>`.
func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: wascc-host keys <account|actor|server>")
		return 2
	}

	var create func() (nkeys.KeyPair, error)
	switch args[0] {
	case "account":
		create = nkeys.CreateAccount
	case "actor":
		create = nkeys.CreateUser
	case "server":
		create = nkeys.CreateServer
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown key kind: %s\n", args[0])
		return 2
	}

	kp, err := create()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	pk, err := kp.PublicKey()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	seed, err := kp.Seed()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(keyPair{Kind: args[0], PublicKey: pk, Seed: string(seed)}, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

// runClaimsCmd implements `wascc-host claims <sign|inspect>`.
func runClaimsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: wascc-host claims <sign|inspect> [flags]")
		return 2
	}
	switch args[0] {
	case "sign":
		return runClaimsSign(args[1:], stdout, stderr)
	case "inspect":
		return runClaimsInspect(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown claims subcommand: %s\n", args[0])
		return 2
	}
}

func runClaimsSign(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("claims sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		subject    string
		name       string
		caps       string
		tags       string
		issuerSeed string
		ttl        time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Actor public key (REQUIRED)")
	cmd.StringVar(&name, "name", "", "Human friendly actor name")
	cmd.StringVar(&caps, "caps", "", "Comma separated capability ids")
	cmd.StringVar(&tags, "tags", "", "Comma separated tags")
	cmd.StringVar(&issuerSeed, "issuer-seed", "", "Account seed of the issuer; a fresh account is used when empty")
	cmd.DurationVar(&ttl, "ttl", 0, "Validity period; 0 never expires")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		cmd.Usage()
		return 2
	}

	var (
		iss *identity.Issuer
		err error
	)
	if issuerSeed != "" {
		iss, err = identity.NewIssuerFromSeed([]byte(issuerSeed))
	} else {
		iss, err = identity.NewIssuer()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	token, err := iss.IssueActor(subject, identity.ActorMetadata{
		Name:         name,
		Capabilities: splitList(caps),
		Tags:         splitList(tags),
	}, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if issuerSeed == "" {
		_, _ = fmt.Fprintf(stderr, "issuer: %s\n", iss.PublicKey())
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

func runClaimsInspect(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("claims inspect", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	issuers := cmd.String("trusted-issuers", "", "Comma separated accounts allowed to sign")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: wascc-host claims inspect [--trusted-issuers a,b] <token>")
		return 2
	}
	token := cmd.Arg(0)

	subject, err := identity.Subject(token)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var opts []identity.VerifierOption
	if list := splitList(*issuers); len(list) > 0 {
		opts = append(opts, identity.WithTrustedIssuers(list...))
	}
	claims, err := identity.NewClaimsVerifier(opts...).Verify(subject, token)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid claims: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(claims, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
