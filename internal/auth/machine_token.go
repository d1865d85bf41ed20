package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	machineTokenPrefix = "obc_"
	secretHexLength    = 64
)

// MachineTokenGenerator issues the static bearer tokens used by automation
// clients (LIMS, schedulers) that cannot log in interactively.
type MachineTokenGenerator struct{}

func NewMachineTokenGenerator() *MachineTokenGenerator {
	return &MachineTokenGenerator{}
}

// GenerateMachineToken returns a token of the form obc_<uuid>_<secret> and
// the hash to put into auth.machine_tokens.
func (m *MachineTokenGenerator) GenerateMachineToken() (string, string, error) {
	secretBytes := make([]byte, secretHexLength/2)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token := machineTokenPrefix + uuid.NewString() + "_" + hex.EncodeToString(secretBytes)
	return token, m.HashToken(token), nil
}

func (m *MachineTokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks prefix, id and secret length without looking
// the token up.
func (m *MachineTokenGenerator) ValidateTokenFormat(token string) bool {
	rest, ok := strings.CutPrefix(token, machineTokenPrefix)
	if !ok {
		return false
	}
	id, secret, ok := strings.Cut(rest, "_")
	if !ok || len(secret) != secretHexLength {
		return false
	}
	if _, err := uuid.Parse(id); err != nil {
		return false
	}
	_, err := hex.DecodeString(secret)
	return err == nil
}
