package evm

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// CBOR metadata marker (Solidity >=0.6.0) - "ipfs" in CBOR
var metadataMarker = []byte{0xa2, 0x64, 0x69, 0x70, 0x66, 0x73}

// StripMetadata removes the CBOR metadata appended to bytecode
func StripMetadata(bytecode []byte) []byte {
	idx := bytes.LastIndex(bytecode, metadataMarker)
	if idx == -1 {
		return bytecode
	}
	// The two bytes before the marker are the metadata length prefix
	if idx >= 2 {
		return bytecode[:idx-2]
	}
	return bytecode
}

// Fingerprint hashes runtime code without its metadata, so two deployments
// of the same source compiled in different environments compare equal.
func Fingerprint(code []byte) common.Hash {
	if len(code) == 0 {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(StripMetadata(code))
}

// Match types returned by CompareBytecode
const (
	MatchFull    = "full"
	MatchPartial = "partial"
	MatchNone    = "none"
)

// CodeMatch is the result of comparing deployed code to an artifact.
type CodeMatch struct {
	Match     bool   `json:"match"`
	MatchType string `json:"matchType"`
	Message   string `json:"message"`
}

// CompareBytecode compares deployed runtime code to expected runtime code.
// expected may be raw bytes or 0x-prefixed hex.
func CompareBytecode(deployed, expected []byte) CodeMatch {
	if len(expected) > 2 && expected[0] == '0' && expected[1] == 'x' {
		if decoded, err := hex.DecodeString(string(expected[2:])); err == nil {
			expected = decoded
		}
	}

	if bytes.Equal(deployed, expected) {
		return CodeMatch{
			Match:     true,
			MatchType: MatchFull,
			Message:   "Bytecode matches exactly including metadata",
		}
	}

	if bytes.Equal(StripMetadata(deployed), StripMetadata(expected)) {
		return CodeMatch{
			Match:     true,
			MatchType: MatchPartial,
			Message:   "Executable code matches, metadata differs",
		}
	}

	return CodeMatch{
		Match:     false,
		MatchType: MatchNone,
		Message:   "Bytecode does not match",
	}
}

// foundryArtifact is the subset of a forge build output file we read
type foundryArtifact struct {
	ABI              json.RawMessage `json:"abi"`
	DeployedBytecode struct {
		Object string `json:"object"`
	} `json:"deployedBytecode"`
}

// Artifact is a compiled payment contract.
type Artifact struct {
	Name             string
	ABI              abi.ABI
	DeployedBytecode []byte
}

// LoadArtifact reads a Foundry artifact (out/<Source>.sol/<Contract>.json)
// and checks that its ABI exposes the payment interface.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}

	var raw foundryArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing artifact JSON: %w", err)
	}
	if raw.DeployedBytecode.Object == "" || raw.DeployedBytecode.Object == "0x" {
		return nil, fmt.Errorf("artifact has no deployed bytecode (likely an interface)")
	}

	code, err := hex.DecodeString(strings.TrimPrefix(raw.DeployedBytecode.Object, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding deployed bytecode: %w", err)
	}

	parsed, err := abi.JSON(bytes.NewReader(raw.ABI))
	if err != nil {
		return nil, fmt.Errorf("parsing artifact ABI: %w", err)
	}
	if err := checkPaymentInterface(parsed); err != nil {
		return nil, err
	}

	return &Artifact{
		Name:             strings.TrimSuffix(filepath.Base(path), ".json"),
		ABI:              parsed,
		DeployedBytecode: code,
	}, nil
}

func checkPaymentInterface(a abi.ABI) error {
	for _, name := range []string{EventPaymentReceived, EventPaymentForwarded} {
		ev, ok := a.Events[name]
		if !ok {
			return fmt.Errorf("artifact ABI lacks event %s", name)
		}
		if ev.ID != PaymentABI.Events[name].ID {
			return fmt.Errorf("artifact event %s has signature %s", name, ev.Sig)
		}
	}
	for _, name := range []string{"paymentAmount", "paymentReceiver", "owner"} {
		if _, ok := a.Methods[name]; !ok {
			return fmt.Errorf("artifact ABI lacks method %s", name)
		}
	}
	return nil
}
