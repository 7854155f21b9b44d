package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintKind_Valid(t *testing.T) {
	t.Parallel()

	assert.True(t, FingerprintCardNumber.Valid())
	assert.True(t, FingerprintEmail.Valid())
	assert.True(t, FingerprintIP.Valid())

	assert.False(t, FingerprintKind("").Valid())
	assert.False(t, FingerprintKind("phone").Valid())
	assert.False(t, FingerprintKind("CARD_NUMBER").Valid())
}
