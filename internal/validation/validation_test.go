package validation

import (
	"testing"

	"whatsbot/internal/errors"

	"github.com/stretchr/testify/assert"
)

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		wantErr bool
	}{
		{"bare number", "15550001234", false},
		{"plus prefix", "+447911123456", false},
		{"empty", "", true},
		{"too short", "12345", true},
		{"too long", "1234567890123456", true},
		{"letters", "1555abc1234", true},
		{"chat suffix", "15550001234@c.us", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.userID)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, errors.ErrCodeValidationFailed, errors.GetCode(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateAuthRef(t *testing.T) {
	assert.NoError(t, ValidateAuthRef("acct_01HX9"))
	assert.Error(t, ValidateAuthRef(""))
	assert.Error(t, ValidateAuthRef("   "))
	assert.Error(t, ValidateAuthRef("has space"))
	assert.Error(t, ValidateAuthRef(string(make([]byte, 200))))
}

func TestValidateChatID(t *testing.T) {
	for _, ok := range []string{"15550001@s.whatsapp.net", "15550001@c.us", "1203630@g.us", "status@broadcast", "9911@lid"} {
		assert.NoError(t, ValidateChatID(ok), ok)
	}
	for _, bad := range []string{"15550001", "@c.us", "15550001@example.com", "a b@c.us"} {
		assert.Error(t, ValidateChatID(bad), bad)
	}
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("ops@example.com"))
	assert.Error(t, ValidateEmail("Ops <ops@example.com>"))
	assert.Error(t, ValidateEmail("not-an-address"))
}
