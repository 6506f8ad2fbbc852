// Command inspector is an operator tool for agentgate: it checks policy
// files, signs requests for the wallet auth headers and reads grant status.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/middleware"
	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/signer"
	flag "github.com/spf13/pflag"
)

const usage = `usage: inspector <command> [flags]

commands:
  policy   validate a policy JSON file and print its hash
  sign     produce wallet auth headers for a request
  status   fetch the grant status of (principal, agent) from a gateway
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "policy":
		err = runPolicy(os.Args[2:], os.Stdout)
	case "sign":
		err = runSign(os.Args[2:], os.Stdout)
	case "status":
		err = runStatus(os.Args[2:], os.Stdout)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runPolicy(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("policy", flag.ContinueOnError)
	file := fs.StringP("file", "f", "", "policy JSON file (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}
	if *file == "" {
		return fmt.Errorf("policy file is required")
	}

	raw, err := readInput(*file)
	if err != nil {
		return err
	}
	var p model.Policy
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("decode policy: %w", err)
	}
	p.Normalize()
	if err := p.Validate(time.Now().Unix()); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	fmt.Fprintf(out, "valid:                 true\n")
	fmt.Fprintf(out, "hash:                  %s\n", p.Hash().Hex())
	fmt.Fprintf(out, "requires risk oracle:  %t\n", p.RequiresExternalRiskOracle)
	if p.ExpiryTimestamp > 0 {
		fmt.Fprintf(out, "expires:               %s\n", time.Unix(p.ExpiryTimestamp, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

func runSign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	key := fs.StringP("key", "k", os.Getenv("AGENTGATE_PRIVATE_KEY"), "hex private key")
	method := fs.StringP("method", "X", "POST", "HTTP method")
	path := fs.StringP("path", "p", "", "request path, e.g. /v1/agents")
	body := fs.StringP("body", "d", "", "request body file (- for stdin)")
	nonce := fs.Uint64P("nonce", "n", uint64(time.Now().UnixMilli()), "request nonce")
	chainID := fs.Int64("chain-id", 1, "EIP-712 domain chain id")
	typedData := fs.Bool("typed-data", false, "print the eth_signTypedData_v4 payload instead of signing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || (*key == "" && !*typedData) {
		return fmt.Errorf("--path is required, and --key unless --typed-data is set")
	}

	var payload []byte
	if *body != "" {
		var err error
		if payload, err = readInput(*body); err != nil {
			return err
		}
	}

	req := signer.NewRequest(*method, *path, payload, new(big.Int).SetUint64(*nonce))
	if *typedData {
		pretty, err := json.MarshalIndent(signer.TypedData(*chainID, req), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(pretty))
		return nil
	}

	s, err := signer.NewSigner(*key, *chainID)
	if err != nil {
		return err
	}
	sig, err := s.SignRequest(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", middleware.HeaderWalletAddress, s.Address().Hex())
	fmt.Fprintf(out, "%s: %d\n", middleware.HeaderWalletNonce, *nonce)
	fmt.Fprintf(out, "%s: %s\n", middleware.HeaderWalletSignature, sig)
	return nil
}

func runStatus(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	gateway := fs.StringP("gateway", "g", "http://localhost:8080", "gateway base URL")
	principal := fs.String("principal", "", "principal address")
	agent := fs.StringP("agent", "a", "", "agent id")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := model.ParseAddress(*principal)
	if err != nil {
		return err
	}
	agentID, err := model.ParseAgentID(*agent)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/principals/%s/agents/%s", strings.TrimRight(*gateway, "/"), addr.Hex(), agentID)
	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var status model.GrantStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	pretty, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(pretty))
	return nil
}

func readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}
