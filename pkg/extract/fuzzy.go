package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/menta2k/field-capture/pkg/types"
)

// Match tells how a code was located
type Match string

const (
	MatchNone    Match = ""
	MatchExact   Match = "exact"
	MatchKeyword Match = "keyword"
	MatchFuzzy   Match = "fuzzy"
)

// Score thresholds for OCR-damaged candidates. Keyword hits are held to a
// stricter bar because the window is short and anchored.
const (
	keywordThreshold = 0.85
	fuzzyThreshold   = 0.8
	keywordContext   = 50
)

var codeKeywords = []string{"CURP", "CLAVE", "ELECTOR"}

// labels printed after the holder name on the cards
var nameStopWords = map[string]bool{
	"CURP": true, "CLAVE": true, "ELECTOR": true, "FECHA": true, "NACIMIENTO": true,
	"SEXO": true, "EDAD": true, "DOMICILIO": true,
}

// OCR confusions: digits read where letters belong, and the reverse
var (
	asLetter = map[byte]byte{'0': 'O', '1': 'I', '2': 'Z', '5': 'S', '8': 'B'}
	asDigit  = map[byte]byte{'O': '0', 'I': '1', 'Z': '2', 'S': '5', 'B': '8', 'G': '6', 'T': '7'}
)

// position weights: letters, date, sex marker, state, consonants,
// homonym key, check digit
var positionWeights = [CodeLength]float64{
	1, 1, 1, 1,
	2, 2, 2, 2, 2, 2,
	3,
	1, 1,
	1, 1, 1,
	1,
	1,
}

var maxScore = func() float64 {
	total := 0.0
	for _, w := range positionWeights {
		total += w
	}
	return total
}()

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`NOMBRE[:\s]+([A-ZÁÉÍÓÚÑ\s]{3,50})`),
		regexp.MustCompile(`([A-ZÁÉÍÓÚÑ]{2,20}\s+[A-ZÁÉÍÓÚÑ]{2,20}\s+[A-ZÁÉÍÓÚÑ]{2,20})`),
	}
	datePattern = regexp.MustCompile(`(\d{2})[/-](\d{2})[/-](\d{4})`)
	agePattern  = regexp.MustCompile(`(\d{1,3})\s*A[ÑN]OS`)
)

// Document holds what could be read from a card: the code record plus the
// holder name and, when no code was found, a printed birth date or age.
type Document struct {
	Record        types.CurpRecord `json:"record"`
	Match         Match            `json:"match"`
	Name          string           `json:"name,omitempty"`
	BirthDateText string           `json:"birthDateText,omitempty"`
	Age           *int             `json:"age,omitempty"`
}

// ExtractFuzzy tries an exact match first, then a search near the CURP,
// CLAVE and ELECTOR labels, then a scan of the whole text. The last two
// repair common OCR confusions such as O/0 and I/1.
func (e *Extractor) ExtractFuzzy(raw string) (types.CurpRecord, Match) {
	if rec := e.Extract(raw); !rec.IsEmpty() {
		return rec, MatchExact
	}

	text := normalize(raw)
	if rec, ok := e.byKeyword(text); ok {
		return rec, MatchKeyword
	}
	if rec, ok := e.bestCandidate(alnum(text), fuzzyThreshold, false); ok {
		return rec, MatchFuzzy
	}
	return types.CurpRecord{}, MatchNone
}

func (e *Extractor) byKeyword(text string) (types.CurpRecord, bool) {
	for _, kw := range codeKeywords {
		idx := strings.Index(text, kw)
		if idx < 0 {
			continue
		}
		end := min(idx+keywordContext, len(text))
		if rec, ok := e.bestCandidate(alnum(text[idx:end]), keywordThreshold, true); ok {
			e.log.Info("extract: code found near %s: %s", kw, rec.Code)
			return rec, true
		}
	}
	return types.CurpRecord{}, false
}

// bestCandidate slides an 18-character window over s. With firstHit the
// first decodable window above threshold wins, otherwise the best scoring.
func (e *Extractor) bestCandidate(s string, threshold float64, firstHit bool) (types.CurpRecord, bool) {
	var best types.CurpRecord
	bestScore := 0.0
	for i := 0; i+CodeLength <= len(s); i++ {
		score, corrected := scoreCandidate(s[i : i+CodeLength])
		if score <= threshold || score <= bestScore {
			continue
		}
		rec, err := e.parse(corrected)
		if err != nil {
			continue
		}
		if firstHit {
			return rec, true
		}
		best, bestScore = rec, score
	}
	return best, bestScore > 0
}

// scoreCandidate rates how much s looks like a code, in [0, 1], and returns
// it with letter/digit confusions repaired. A window without a sex marker
// scores 0.
func scoreCandidate(s string) (float64, string) {
	if !strings.ContainsRune("HMN", rune(s[10])) {
		return 0, s
	}
	out := []byte(s)
	score := 0.0

	letter := func(i int) {
		switch c := s[i]; {
		case isUpper(c):
			score += positionWeights[i]
		case asLetter[c] != 0:
			out[i] = asLetter[c]
			score += positionWeights[i] * 0.8
		}
	}
	digit := func(i int) {
		switch c := s[i]; {
		case isDigit(c):
			score += positionWeights[i]
		case asDigit[c] != 0:
			out[i] = asDigit[c]
			score += positionWeights[i] * 0.8
		}
	}

	for i := 0; i < 4; i++ {
		letter(i)
	}
	for i := 4; i < 10; i++ {
		digit(i)
	}
	switch s[10] {
	case 'H', 'M':
		score += positionWeights[10]
	case 'N':
		// H and M are often read as N
		score += positionWeights[10] * 0.5
	}
	for i := 11; i < 16; i++ {
		letter(i)
	}
	if isUpper(s[16]) || isDigit(s[16]) {
		score += positionWeights[16]
	}
	digit(17)

	return score / maxScore, string(out)
}

// ExtractDocument reads the code with ExtractFuzzy and the holder name. When
// no code is found the printed birth date and age are used instead.
func (e *Extractor) ExtractDocument(raw string) Document {
	doc := Document{}
	doc.Record, doc.Match = e.ExtractFuzzy(raw)
	text := normalize(raw)

	for _, p := range namePatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			if doc.Name = holderName(m[1]); doc.Name != "" {
				break
			}
		}
	}

	if !doc.Record.IsEmpty() {
		doc.BirthDateText = doc.Record.BirthDateText
		age := doc.Record.Age
		doc.Age = &age
		return doc
	}

	doc.BirthDateText = datePattern.FindString(text)
	if m := agePattern.FindStringSubmatch(text); m != nil {
		if age, err := strconv.Atoi(m[1]); err == nil {
			doc.Age = &age
		}
	}
	return doc
}

// holderName keeps the words before the first card label
func holderName(s string) string {
	var words []string
	for _, w := range strings.Fields(s) {
		if nameStopWords[w] {
			break
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func alnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; isUpper(c) || isDigit(c) {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
