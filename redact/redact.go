// Package redact finds columns holding personal data and masks, hashes or
// drops them.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// Kind is a category of personal data.
type Kind string

const (
	Email      Kind = "email"
	Phone      Kind = "phone"
	CPR        Kind = "cpr"
	CVR        Kind = "cvr"
	Address    Kind = "address"
	Name       Kind = "name"
	CreditCard Kind = "credit_card"
	IPAddress  Kind = "ip_address"
)

// DefaultKinds are the kinds checked when a Detector lists none. Address and
// Name have no value pattern and produce too many false positives by name.
var DefaultKinds = []Kind{Email, Phone, CPR, CVR, CreditCard, IPAddress}

// DefaultThreshold is the share of matching values that flags a column.
const DefaultThreshold = 0.3

var patterns = map[Kind]string{
	Email:      `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`,
	Phone:      `\b(?:\+?45)?[ -]?\d{2}[ -]?\d{2}[ -]?\d{2}[ -]?\d{2}\b`,
	CPR:        `\b\d{6}[-]?\d{4}\b`,
	CVR:        `\b\d{8}\b`,
	CreditCard: `\b(?:\d{4}[ -]?){3}\d{4}\b`,
	IPAddress:  `\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`,
}

var (
	search  = map[Kind]*regexp.Regexp{}
	leading = map[Kind]*regexp.Regexp{}
)

func init() {
	for k, p := range patterns {
		search[k] = regexp.MustCompile(p)
		leading[k] = regexp.MustCompile(`^(?:` + p + `)`)
	}
}

// DefaultHints are lowercase substrings of column names per kind.
var DefaultHints = map[Kind][]string{
	Email:      {"email", "e-mail", "mail"},
	Phone:      {"phone", "mobil", "telefon", "tlf"},
	CPR:        {"cpr", "personnummer", "person_id", "ssn"},
	CVR:        {"cvr", "virksomhedsnummer", "company_id"},
	Address:    {"address", "adresse", "street", "vej"},
	Name:       {"name", "navn", "first_name", "last_name", "fornavn", "efternavn"},
	CreditCard: {"credit_card", "creditcard", "card_number", "kortnummer"},
	IPAddress:  {"ip", "ip_address", "ipaddress"},
}

// Action is what happens to a flagged column.
type Action string

const (
	Report Action = "report"
	Mask   Action = "mask"
	Hash   Action = "hash"
	Drop   Action = "drop"
)

// ErrUnknownAction is returned by ParseAction.
var ErrUnknownAction = errors.New("unknown redaction action")

// ParseAction parses an action name. "delete" is accepted for Drop.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Report, Mask, Hash, Drop:
		return a, nil
	case "delete":
		return Drop, nil
	}
	return "", xerrors.Errorf("%w: %q", ErrUnknownAction, s)
}

// Finding is a column flagged as holding one kind of personal data.
type Finding struct {
	Column  string
	Kind    Kind
	ByName  bool
	Matches int
	Ratio   float64
}

// Detector flags columns by name hints and by sampled values.
type Detector struct {
	Kinds     []Kind
	Threshold float64

	// Hints extend DefaultHints.
	Hints map[Kind][]string
}

func (d *Detector) kinds() []Kind {
	if len(d.Kinds) == 0 {
		return DefaultKinds
	}
	return d.Kinds
}

func (d *Detector) threshold() float64 {
	if d.Threshold <= 0 {
		return DefaultThreshold
	}
	return d.Threshold
}

func (d *Detector) hints(k Kind) []string {
	return append(append([]string(nil), DefaultHints[k]...), d.Hints[k]...)
}

// Detect checks columns against sample rows. Name hints are checked first;
// a column flagged by name for a kind is not checked by value for that kind.
// Only string values are matched, from their start.
func (d *Detector) Detect(columns []string, sample []map[string]any) []Finding {
	var out []Finding
	byName := map[Kind]map[string]bool{}

	for _, k := range d.kinds() {
		byName[k] = map[string]bool{}
		for _, col := range columns {
			lower := strings.ToLower(col)
			for _, h := range d.hints(k) {
				if strings.Contains(lower, strings.ToLower(h)) {
					byName[k][col] = true
					out = append(out, Finding{Column: col, Kind: k, ByName: true})
					break
				}
			}
		}
	}

	if len(sample) == 0 {
		return out
	}

	for _, k := range d.kinds() {
		re, ok := leading[k]
		if !ok {
			continue
		}
		for _, col := range columns {
			if byName[k][col] {
				continue
			}

			n, strs := 0, 0
			for _, row := range sample {
				s, ok := row[col].(string)
				if !ok {
					continue
				}
				strs++
				if re.MatchString(s) {
					n++
				}
			}
			if strs == 0 {
				continue
			}

			ratio := float64(n) / float64(len(sample))
			if ratio >= d.threshold() {
				out = append(out, Finding{Column: col, Kind: k, Matches: n, Ratio: ratio})
			}
		}
	}

	return out
}

// Rule applies an action to one column.
type Rule struct {
	Column string
	Kind   Kind
	Action Action
}

// Rules is an ordered set of column rules.
type Rules []Rule

// NewRules turns findings into rules with one action. Columns flagged more
// than once keep their first kind.
func NewRules(fs []Finding, a Action) Rules {
	seen := map[string]bool{}
	var rs Rules
	for _, f := range fs {
		if seen[f.Column] {
			continue
		}
		seen[f.Column] = true
		rs = append(rs, Rule{Column: f.Column, Kind: f.Kind, Action: a})
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Column < rs[j].Column })
	return rs
}

// Columns returns the columns the rules touch.
func (rs Rules) Columns() []string {
	cols := make([]string, 0, len(rs))
	for _, r := range rs {
		cols = append(cols, r.Column)
	}
	return cols
}

// Apply rewrites props in place. Drop removes the key whatever its value;
// the other actions only touch string values.
func (rs Rules) Apply(props map[string]any) {
	for _, r := range rs {
		v, ok := props[r.Column]
		if !ok {
			continue
		}

		if r.Action == Drop {
			delete(props, r.Column)
			continue
		}

		s, ok := v.(string)
		if !ok {
			continue
		}

		switch r.Action {
		case Mask:
			props[r.Column] = MaskString(r.Kind, s)
		case Hash:
			props[r.Column] = HashString(s)
		}
	}
}

// MaskString replaces every match of the kind's pattern with ***. Kinds
// without a pattern are masked whole.
func MaskString(k Kind, s string) string {
	re, ok := search[k]
	if !ok {
		return "***"
	}
	return re.ReplaceAllString(s, "***")
}

// HashString returns the hex SHA-256 of s. Empty strings stay empty.
func HashString(s string) string {
	if s == "" {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
