package voucher

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrorType classifies an embedded voucher error.
type ErrorType string

const (
	ErrorTransaction        ErrorType = "TRANSACTION_ERROR"
	ErrorCommunication      ErrorType = "COMMUNICATION_ERROR"
	ErrorTimeout            ErrorType = "TIMEOUT_ERROR"
	ErrorInvalidRequest     ErrorType = "INVALID_REQUEST"
	ErrorServiceUnavailable ErrorType = "SERVICE_UNAVAILABLE"
)

// Analysis is the result of inspecting a voucher.
type Analysis struct {
	IsError   bool      `json:"is_error"`
	ErrorType ErrorType `json:"error_type,omitempty"`
	Marker    string    `json:"marker,omitempty"`
	// Duplicate means the gateway recognized a duplicate submission.
	// It is not a failure on its own.
	Duplicate bool `json:"duplicate"`
}

type marker struct {
	text   string
	folded string
	kind   ErrorType
}

// checked in order; the first match wins
var markers = newMarkers([]marker{
	{text: "ERROR_DE_TRANSACCION", kind: ErrorTransaction},
	{text: "COMMUNICATION_ERROR", kind: ErrorCommunication},
	{text: "TIMEOUT_ERROR", kind: ErrorTimeout},
	{text: "INVALID_REQUEST", kind: ErrorInvalidRequest},
	{text: "SERVICE_UNAVAILABLE", kind: ErrorServiceUnavailable},
})

var duplicateMarker = fold("DUPLICADO")

func newMarkers(ms []marker) []marker {
	for i := range ms {
		ms[i].folded = fold(ms[i].text)
	}
	return ms
}

// Analyze inspects v regardless of the gateway's success flag.
func Analyze(v Voucher) Analysis {
	if len(v.Lines) > 0 {
		return AnalyzeLines(v.Lines)
	}
	return AnalyzeText(v.Text)
}

// AnalyzeLines joins lines before matching since markers can straddle line breaks.
func AnalyzeLines(lines []string) Analysis {
	return AnalyzeText(strings.Join(lines, ""))
}

// AnalyzeText inspects a pre-joined voucher.
func AnalyzeText(text string) Analysis {
	folded := fold(text)
	if folded == "" {
		return Analysis{}
	}

	var a Analysis
	a.Duplicate = strings.Contains(folded, duplicateMarker)

	for _, m := range markers {
		if strings.Contains(folded, m.folded) {
			a.IsError = true
			a.ErrorType = m.kind
			a.Marker = m.text
			break
		}
	}
	return a
}

// fold strips accents, case, whitespace and punctuation so that
// "Error de Transacción" and "ERROR_DE_\nTRANSACCION" compare equal.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
