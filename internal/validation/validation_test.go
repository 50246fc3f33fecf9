package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid lowercase", "0x3984632d6767fe866d602e5926015ddcfe4e11fb", false},
		{"valid checksummed", "0x3984632D6767FE866d602e5926015DDcFE4e11FB", false},
		{"too short", "0x3984632d", true},
		{"missing prefix", "003984632d6767fe866d602e5926015ddcfe4e11fb", true},
		{"non hex", "0x3984632d6767fe866d602e5926015ddcfe4e11fz", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTxHash(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", valid, false},
		{"uppercase prefix", "0X" + strings.Repeat("AB", 32), false},
		{"address length", "0x3984632d6767fe866d602e5926015ddcfe4e11fb", true},
		{"no prefix", strings.Repeat("ab", 33), true},
		{"non hex", "0x" + strings.Repeat("g", 64), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTxHash(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTxHash(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateQuestion(t *testing.T) {
	assert.NoError(t, ValidateQuestion("What is gas?"))
	assert.Error(t, ValidateQuestion("   "))
	assert.NoError(t, ValidateQuestion(strings.Repeat("é", MaxQuestionLength)))
	assert.Error(t, ValidateQuestion(strings.Repeat("a", MaxQuestionLength+1)))
}

func TestStruct(t *testing.T) {
	type verifyRequest struct {
		TxHash      string `json:"txHash" validate:"required,txhash"`
		UserAddress string `json:"userAddress" validate:"required,ethaddr"`
	}

	err := Struct(verifyRequest{
		TxHash:      "0x" + strings.Repeat("1", 64),
		UserAddress: "0x3984632d6767fe866d602e5926015ddcfe4e11fb",
	})
	require.NoError(t, err)

	err = Struct(verifyRequest{UserAddress: "0x12"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "txHash is required")
	assert.Contains(t, err.Error(), "userAddress must be a 0x-prefixed 20 byte hex address")
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid semver", "1.0.0", false},
		{"valid with v prefix", "v1.0.0", false},
		{"valid prerelease", "1.0.0-beta.1", false},
		{"valid with build metadata", "1.0.0+build.123", false},
		{"invalid no minor", "1", true},
		{"invalid no patch", "1.0", true},
		{"invalid text", "latest", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVersion(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, CompareVersions("1.0.0", "1.1.0"))
	assert.Equal(t, 0, CompareVersions("v1.2.3", "1.2.3"))
	assert.Equal(t, 1, CompareVersions("1.0.0", "1.0.0-rc.1"))
}

func TestCheckClientVersion(t *testing.T) {
	assert.NoError(t, CheckClientVersion("", "1.2.0"))
	assert.NoError(t, CheckClientVersion("1.2.0", "1.2.0"))
	assert.NoError(t, CheckClientVersion("v1.9.3", "1.2.0"))
	assert.ErrorContains(t, CheckClientVersion("1.1.9", "1.2.0"), "older than")
	assert.ErrorContains(t, CheckClientVersion("2.0.0", "1.2.0"), "incompatible")
	assert.Error(t, CheckClientVersion("dev", "1.2.0"))
}
