package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWallet(t *testing.T) {
	tests := []struct {
		name    string
		wallet  string
		wantErr bool
	}{
		{"checksummed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"checksummed second", "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", false},
		{"lowercase", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", false},
		{"uppercase body", "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", false},
		{"bad checksum", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD", true},
		{"short", "0x1234", true},
		{"no prefix", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWallet("кошелёк", tt.wallet)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChecksumAddress(t *testing.T) {
	assert.Equal(t,
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		ChecksumAddress("0xdbf03b407c01e7cd3cbea99509d93f8dddc8c6fb"))
}

func TestValidateDisputeReason(t *testing.T) {
	assert.Error(t, ValidateDisputeReason("   ", 10))
	assert.Error(t, ValidateDisputeReason("коротко", 10))
	assert.NoError(t, ValidateDisputeReason("результат пуст", 10))
	// длина считается в символах, а не байтах
	assert.NoError(t, ValidateDisputeReason("ошибкаааа!", 10))
	assert.Error(t, ValidateDisputeReason(strings.Repeat("x", MaxDisputeReasonLength+1), 10))
}

func TestValidateDeliverableURL(t *testing.T) {
	assert.NoError(t, ValidateDeliverableURL("https://cdn.example.com/report.pdf"))
	assert.NoError(t, ValidateDeliverableURL("ipfs://bafybeigdyrzt/report.md"))
	assert.NoError(t, ValidateDeliverableURL("3f0c/report_1.pdf"))
	assert.Error(t, ValidateDeliverableURL("../../etc/passwd"))
	assert.Error(t, ValidateDeliverableURL("ftp://example.com/file"))
	assert.Error(t, ValidateDeliverableURL(""))
}

func TestValidateRequirements(t *testing.T) {
	assert.NoError(t, ValidateRequirements("Сделать лендинг", map[string]string{"lang": "ru"}))
	assert.Error(t, ValidateRequirements("", nil))
	assert.Error(t, ValidateRequirements("ok", map[string]string{" ": "x"}))
}
