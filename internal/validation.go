package internal

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

// InputValidator validates identifiers, TTLs and static configuration before
// they reach the store
type InputValidator struct {
	maxIdentifierLength int
	maxTTL              time.Duration
	structs             *validator.Validate
}

// NewInputValidator creates a new input validator with default settings
func NewInputValidator() *InputValidator {
	return &InputValidator{
		maxIdentifierLength: 128,
		maxTTL:              365 * 24 * time.Hour,
		structs:             validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateTenantID validates a tenant identifier
func (v *InputValidator) ValidateTenantID(tenantID string) error {
	return v.ValidateIdentifier(tenantID, "tenant ID")
}

// ValidateIdentifier validates an entity identifier or sub-key
func (v *InputValidator) ValidateIdentifier(id, fieldName string) error {
	if id == "" {
		return NewValidationError(fmt.Sprintf("%s cannot be empty", fieldName), nil)
	}

	if len(id) > v.maxIdentifierLength {
		return NewValidationError(fmt.Sprintf("%s exceeds maximum length of %d characters", fieldName, v.maxIdentifierLength), nil)
	}

	if !utf8.ValidString(id) {
		return NewValidationError(fmt.Sprintf("%s contains invalid UTF-8 characters", fieldName), nil)
	}

	for i, r := range id {
		if unicode.IsControl(r) {
			return NewValidationError(fmt.Sprintf("%s contains control character at position %d", fieldName, i), nil)
		}
	}

	if strings.TrimSpace(id) != id {
		return NewValidationError(fmt.Sprintf("%s has leading or trailing whitespace", fieldName), nil)
	}

	return nil
}

// ValidateTokenHash checks that hash is a hex-encoded SHA-256 digest
func (v *InputValidator) ValidateTokenHash(hash string) error {
	if len(hash) != 64 {
		return NewValidationError("token hash must be 64 hex characters", nil)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return NewValidationError("token hash is not valid hex", err)
	}
	return nil
}

// ValidateTTL validates time-to-live duration
func (v *InputValidator) ValidateTTL(ttl time.Duration, allowZero bool) error {
	if ttl < 0 {
		return NewValidationError("TTL cannot be negative", nil)
	}

	if !allowZero && ttl == 0 {
		return NewValidationError("TTL cannot be zero", nil)
	}

	if ttl > v.maxTTL {
		return NewValidationError(fmt.Sprintf("TTL exceeds maximum allowed duration of %v", v.maxTTL), nil)
	}

	return nil
}

// ValidateTenantPattern checks that a deletion pattern stays inside one
// tenant namespace under prefix
func (v *InputValidator) ValidateTenantPattern(prefix, pattern string) error {
	if pattern == "" {
		return NewValidationError("pattern cannot be empty", nil)
	}

	scope := prefix + ":" + tenantSegment + ":"
	if !strings.HasPrefix(pattern, scope) {
		return NewValidationError(fmt.Sprintf("pattern must start with %q", scope), nil)
	}

	rest := strings.TrimPrefix(pattern, scope)
	tenant, _, ok := strings.Cut(rest, ":")
	if !ok || tenant == "" || strings.ContainsAny(tenant, "*?[]\\") {
		return NewValidationError("pattern must name a single tenant", nil)
	}

	return nil
}

// ValidateTier validates a tier definition using its struct tags
func (v *InputValidator) ValidateTier(tier models.Tier) error {
	if err := v.structs.Struct(tier); err != nil {
		return NewValidationError(fmt.Sprintf("tier %q is invalid", tier.Name), err)
	}
	return nil
}

// ValidateOperationClass validates a rate limit operation class
func (v *InputValidator) ValidateOperationClass(class models.OperationClass) error {
	if class == "" {
		return NewValidationError("operation class cannot be empty", nil)
	}
	return v.ValidateIdentifier(string(class), "operation class")
}

// ValidateTask validates a task before it is cached
func (v *InputValidator) ValidateTask(task *models.Task) error {
	if task == nil {
		return NewValidationError("task cannot be nil", nil)
	}
	if err := task.Validate(); err != nil {
		return NewValidationError("task is invalid", err)
	}
	return nil
}
