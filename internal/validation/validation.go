// Package validation provides input validation for querypay.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
)

// MaxQuestionLength bounds a single paid question, in characters.
const MaxQuestionLength = 4000

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Register custom validators
	_ = validate.RegisterValidation("ethaddr", func(fl validator.FieldLevel) bool {
		return ValidateAddress(fl.Field().String()) == nil
	})
	_ = validate.RegisterValidation("txhash", func(fl validator.FieldLevel) bool {
		return ValidateTxHash(fl.Field().String()) == nil
	})
	_ = validate.RegisterValidation("question", func(fl validator.FieldLevel) bool {
		return ValidateQuestion(fl.Field().String()) == nil
	})
}

// Struct validates a request struct using its `validate` tags and returns
// a single readable error naming the json field.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := jsonName(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "ethaddr":
		return field + " must be a 0x-prefixed 20 byte hex address"
	case "txhash":
		return field + " must be a 0x-prefixed 32 byte hex hash"
	case "question":
		return fmt.Sprintf("%s must be between 1 and %d characters", field, MaxQuestionLength)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// jsonName lowercases the first rune of a Go field name, which matches the
// camelCase json tags used by request types.
func jsonName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}

// ValidateAddress validates an Ethereum address
func ValidateAddress(addr string) error {
	if len(addr) != 42 {
		return errors.New("invalid address length: must be 42 characters (0x + 40 hex)")
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return errors.New("invalid address: must start with 0x")
	}
	if !isHex(addr[2:]) {
		return errors.New("invalid address: contains non-hex characters")
	}
	return nil
}

// ValidateTxHash validates a transaction hash
func ValidateTxHash(hash string) error {
	if len(hash) != 66 {
		return errors.New("invalid transaction hash length: must be 66 characters (0x + 64 hex)")
	}
	if !strings.HasPrefix(hash, "0x") && !strings.HasPrefix(hash, "0X") {
		return errors.New("invalid transaction hash: must start with 0x")
	}
	if !isHex(hash[2:]) {
		return errors.New("invalid transaction hash: contains non-hex characters")
	}
	return nil
}

// ValidateQuestion checks a question is non-blank and not oversized.
func ValidateQuestion(q string) error {
	if strings.TrimSpace(q) == "" {
		return errors.New("question cannot be empty")
	}
	if utf8.RuneCountInString(q) > MaxQuestionLength {
		return fmt.Errorf("question too long (max %d characters)", MaxQuestionLength)
	}
	return nil
}

// ValidateChainID validates a chain ID
func ValidateChainID(chainID int64) error {
	if chainID <= 0 {
		return errors.New("chain ID must be positive")
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		isUpperHex := c >= 'A' && c <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex {
			return false
		}
	}
	return true
}

// NormalizeVersion normalizes a version string (strips leading 'v')
func NormalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// ValidateVersion validates a semantic version string
func ValidateVersion(v string) error {
	normalized := NormalizeVersion(v)
	if normalized == "" {
		return errors.New("version cannot be empty")
	}
	if !semver.IsValid("v" + normalized) {
		return errors.New("invalid semver version: must be in format X.Y.Z or X.Y.Z-prerelease")
	}
	// semver accepts v1 and v1.2, require all three parts
	mainPart := strings.SplitN(strings.SplitN(normalized, "+", 2)[0], "-", 2)[0]
	if strings.Count(mainPart, ".") < 2 {
		return errors.New("invalid semver version: must be in format X.Y.Z (major.minor.patch)")
	}
	return nil
}

// CompareVersions compares two versions
// Returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
func CompareVersions(v1, v2 string) int {
	return semver.Compare("v"+NormalizeVersion(v1), "v"+NormalizeVersion(v2))
}

// CheckClientVersion reports whether a client version can talk to a server
// requiring at least minVersion. Clients must share the server's major
// version. An empty client version is accepted.
func CheckClientVersion(client, minVersion string) error {
	if client == "" {
		return nil
	}
	if err := ValidateVersion(client); err != nil {
		return fmt.Errorf("client version %q: %w", client, err)
	}
	c, m := "v"+NormalizeVersion(client), "v"+NormalizeVersion(minVersion)
	if semver.Major(c) != semver.Major(m) {
		return fmt.Errorf("client version %s is incompatible with server major version %s", NormalizeVersion(client), semver.Major(m))
	}
	if semver.Compare(c, m) < 0 {
		return fmt.Errorf("client version %s is older than the minimum supported %s", NormalizeVersion(client), NormalizeVersion(minVersion))
	}
	return nil
}
