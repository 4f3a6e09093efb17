package gateway

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2c-service/internal/apperr"
)

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "local", raw: "04141234567", want: "04141234567"},
		{name: "dashes", raw: "0414-123.45.67", want: "04141234567"},
		{name: "international", raw: "+58 412 1234567", want: "04121234567"},
		{name: "bare_ten_digits", raw: "4241234567", want: "04241234567"},
		{name: "landline_prefix", raw: "02121234567", wantErr: true},
		{name: "too_short", raw: "0414123", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizePhone(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIdentification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "default_prefix", raw: "12345678", want: "V12345678"},
		{name: "lowercase_prefix", raw: "e-1234567", want: "E1234567"},
		{name: "dotted", raw: "V-12.345.678", want: "V12345678"},
		{name: "rif", raw: "J123456789", want: "J123456789"},
		{name: "bad_prefix", raw: "X1234567", wantErr: true},
		{name: "too_few_digits", raw: "V123456", wantErr: true},
		{name: "too_many_digits", raw: "1234567890", wantErr: true},
		{name: "letters_inside", raw: "V12A45678", wantErr: true},
		{name: "empty", raw: " ", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeIdentification(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReferenceHelpers(t *testing.T) {
	ref := NewReference()
	assert.Len(t, ref, 10)
	assert.NoError(t, ValidateReference(ref))

	assert.Error(t, ValidateReference("1234567"))
	assert.Error(t, ValidateReference("1234567890123"))
	assert.Error(t, ValidateReference("12345abc"))
}

func TestFormatAmount(t *testing.T) {
	s, err := FormatAmount(decimal.RequireFromString("365"))
	require.NoError(t, err)
	assert.Equal(t, "365.00", s)

	s, err = FormatAmount(decimal.RequireFromString("10.005"))
	require.NoError(t, err)
	assert.Equal(t, "10.01", s)

	_, err = FormatAmount(decimal.Zero)
	assert.Error(t, err)
}

func TestBankTable(t *testing.T) {
	banks, err := LoadBanks("")
	require.NoError(t, err)
	assert.Equal(t, 23, banks.Len())

	b, ok := banks.Lookup("0134")
	require.True(t, ok)
	assert.Equal(t, "Banesco", b.Name)

	code, err := banks.NormalizeCode(" 0102 ")
	require.NoError(t, err)
	assert.Equal(t, "0102", code)

	_, err = banks.NormalizeCode("9999")
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindValidation, Code: "UNKNOWN_BANK"})

	_, err = banks.NormalizeCode("12")
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindValidation, Code: "INVALID_BANK"})

	_, err = ParseBanks([]byte("banks:\n  - code: \"12\"\n    name: Bad\n"))
	assert.Error(t, err)
}
