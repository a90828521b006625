// Package extract finds the 18-character population registry code (CURP) in
// recognized text and derives birth date, age, sex and state from it.
package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/menta2k/field-capture/internal/logger"
	"github.com/menta2k/field-capture/pkg/recognizer"
	"github.com/menta2k/field-capture/pkg/types"
)

// CodeLength is the length of a complete code
const CodeLength = 18

// ErrMalformedCode is returned for codes whose fields cannot be decoded
var ErrMalformedCode = errors.New("malformed identity code")

var codePattern = regexp.MustCompile(`[A-Z]{4}\d{6}[HM][A-Z]{5}[A-Z0-9]\d`)

// Extractor parses codes out of free text
type Extractor struct {
	// Now is the reference clock for age computation
	Now func() time.Time
	log *logger.Logger
}

// New creates an Extractor using the wall clock
func New(log *logger.Logger) *Extractor {
	return &Extractor{Now: time.Now, log: log}
}

func normalize(raw string) string {
	s := strings.ToUpper(raw)
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

// Extract returns the record for the first code found in raw. Absence of a
// code, or a code that cannot be decoded, yields an empty record.
func (e *Extractor) Extract(raw string) (rec types.CurpRecord) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("extract: recovered from %v", r)
			rec = types.CurpRecord{}
		}
	}()

	code := codePattern.FindString(normalize(raw))
	if code == "" {
		return types.CurpRecord{}
	}

	rec, err := e.parse(code)
	if err != nil {
		e.log.Warning("extract: %v", err)
		return types.CurpRecord{}
	}
	return rec
}

// ExtractAll returns a record for every decodable code in raw, in order
func (e *Extractor) ExtractAll(raw string) []types.CurpRecord {
	var out []types.CurpRecord
	for _, code := range codePattern.FindAllString(normalize(raw), -1) {
		rec, err := e.parse(code)
		if err != nil {
			e.log.Warning("extract: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ParseCode decodes a single code without searching for it
func (e *Extractor) ParseCode(code string) (types.CurpRecord, error) {
	return e.parse(strings.ToUpper(strings.TrimSpace(code)))
}

func (e *Extractor) parse(code string) (types.CurpRecord, error) {
	if len(code) != CodeLength {
		return types.CurpRecord{}, fmt.Errorf("%q has length %d: %w", code, len(code), ErrMalformedCode)
	}

	yy, err1 := strconv.Atoi(code[4:6])
	mm, err2 := strconv.Atoi(code[6:8])
	dd, err3 := strconv.Atoi(code[8:10])
	if err := errors.Join(err1, err2, err3); err != nil {
		return types.CurpRecord{}, fmt.Errorf("%q date fields: %w", code, ErrMalformedCode)
	}

	year := 1900 + yy
	if yy <= 29 {
		year = 2000 + yy
	}
	birth := time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	if birth.Month() != time.Month(mm) || birth.Day() != dd {
		return types.CurpRecord{}, fmt.Errorf("%q has impossible date %s/%s/%d: %w", code, code[8:10], code[6:8], year, ErrMalformedCode)
	}

	rec := types.CurpRecord{
		Code:          code,
		BirthDate:     birth,
		BirthDateText: fmt.Sprintf("%s/%s/%d", code[8:10], code[6:8], year),
		Age:           Age(birth, e.now()),
		Sex:           sexFromMarker(code[10]),
		StateCode:     code[11:13],
	}

	if digit, err := CheckDigit(code[:17]); err == nil {
		rec.CheckDigitValid = digit == code[17]
	}
	if !rec.CheckDigitValid {
		e.log.Info("extract: check digit mismatch for %s", code)
	}
	return rec, nil
}

func (e *Extractor) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Age returns full years between birth and now, one less when this year's
// birthday has not been reached yet.
func Age(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}

func sexFromMarker(c byte) types.Sex {
	switch c {
	case 'H':
		return types.SexMale
	case 'M':
		return types.SexFemale
	}
	return types.SexUnknown
}

// charValue maps code characters to the values of the official check digit
// table: digits keep their value, A..N are 10..23, Ñ is 24 and O..Z are 25..36.
func charValue(r rune) (int, bool) {
	switch {
	case r >= '0' && r <= '9':
		return int(r - '0'), true
	case r >= 'A' && r <= 'N':
		return int(r-'A') + 10, true
	case r == 'Ñ':
		return 24, true
	case r >= 'O' && r <= 'Z':
		return int(r-'O') + 25, true
	}
	return 0, false
}

// CheckDigit computes the final digit for the first 17 characters of a code
func CheckDigit(code17 string) (byte, error) {
	runes := []rune(strings.ToUpper(code17))
	if len(runes) != CodeLength-1 {
		return 0, fmt.Errorf("check digit needs 17 characters, got %d: %w", len(runes), ErrMalformedCode)
	}

	total := 0
	for i, r := range runes {
		v, ok := charValue(r)
		if !ok {
			return 0, fmt.Errorf("invalid character %q: %w", r, ErrMalformedCode)
		}
		total += v * (CodeLength - i)
	}
	return byte('0' + (10-total%10)%10), nil
}

// FromImage recognizes text in the image and extracts the first code.
// Recognizer failures are returned; a missing code is not an error.
func (e *Extractor) FromImage(ctx context.Context, r recognizer.TextRecognizer, imgB64 string) (types.CurpRecord, recognizer.Text, error) {
	text, err := r.Recognize(ctx, imgB64)
	if err != nil {
		return types.CurpRecord{}, recognizer.Text{}, fmt.Errorf("text recognition failed: %w", err)
	}
	return e.Extract(text.Raw), text, nil
}
