// Package roster maps the person names found in schedule exports to mailbox
// user principal names.
package roster

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/schedule"
)

// Person is one provisioned mailbox owner, as listed in teachers.json.
type Person struct {
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
}

func (p Person) DisplayName() string { return p.FirstName + " " + p.LastName }

// LoadFile reads a JSON array of people.
func LoadFile(path string) ([]Person, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var people []Person
	if err := json.Unmarshal(data, &people); err != nil {
		return nil, fmt.Errorf("decode roster %s: %w", path, err)
	}
	return people, nil
}

// StripAccents removes diacritics ("Élodie" becomes "Elodie").
func StripAccents(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// UPN derives the mailbox name first.last@domain. Accents are stripped,
// spaces and hyphens are dropped from the first name, spaces in the last
// name become dots, and any other punctuation is removed.
func UPN(first, last, domain string) string {
	fn := strings.ToLower(StripAccents(first))
	fn = strings.NewReplacer(" ", "", "-", "").Replace(fn)
	fn = strings.Map(keepAlnum(false), fn)

	ln := strings.ToLower(StripAccents(last))
	ln = strings.NewReplacer(" ", ".", "-", "").Replace(ln)
	ln = strings.Map(keepAlnum(true), ln)

	return fn + "." + ln + "@" + domain
}

func keepAlnum(dots bool) func(rune) rune {
	return func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || (dots && r == '.') {
			return r
		}
		return -1
	}
}

// Method says how a source name was resolved.
type Method string

const (
	MethodExact    Method = "exact"
	MethodFuzzy    Method = "fuzzy"
	MethodOverride Method = "override"
	MethodSkipped  Method = "skipped"
	MethodNone     Method = "unmatched"
)

// Match is a resolved source name.
type Match struct {
	Source  string `json:"source"`
	Display string `json:"display"`
	UPN     string `json:"upn"`
	Method  Method `json:"method"`
	// Merged is set when the owner was already matched by another source
	// name and the slots were folded into it.
	Merged bool `json:"merged,omitempty"`
}

// Options configures name cleaning and matching.
type Options struct {
	Domain      string
	StripTokens []string
	// Overrides maps a cleaned source name to a roster display name.
	Overrides map[string]string
	Skip      []string
}

type entry struct {
	display string
	upn     string
}

// Roster resolves cleaned names against the provisioned people.
type Roster struct {
	strip     map[string]bool
	exact     map[string]entry
	fuzzy     map[string]entry
	ambiguous map[string]bool
	overrides map[string]string
	skip      map[string]bool
}

func normKey(s string) string { return strings.ToLower(StripAccents(s)) }

func fuzzyKey(first, last string) string {
	return prefix(normKey(first), 3) + "_" + prefix(normKey(last), 4)
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

// New indexes people for matching.
func New(people []Person, opts Options) *Roster {
	r := &Roster{
		strip:     make(map[string]bool, len(opts.StripTokens)),
		exact:     make(map[string]entry, len(people)),
		fuzzy:     make(map[string]entry, len(people)),
		ambiguous: make(map[string]bool),
		overrides: make(map[string]string, len(opts.Overrides)),
		skip:      make(map[string]bool, len(opts.Skip)),
	}
	for _, tok := range opts.StripTokens {
		r.strip[strings.ToUpper(tok)] = true
	}
	for src, dst := range opts.Overrides {
		r.overrides[normKey(src)] = normKey(dst)
	}
	for _, name := range opts.Skip {
		r.skip[normKey(name)] = true
	}
	for _, p := range people {
		e := entry{display: p.DisplayName(), upn: UPN(p.FirstName, p.LastName, opts.Domain)}
		r.exact[normKey(p.DisplayName())] = e
		fk := fuzzyKey(p.FirstName, p.LastName)
		if prev, ok := r.fuzzy[fk]; ok && prev.upn != e.upn {
			r.ambiguous[fk] = true
			appLog.Warn("ambiguous fuzzy roster key; fuzzy matching disabled for it", "key", fk, "a", prev.display, "b", e.display)
		}
		r.fuzzy[fk] = e
	}
	return r
}

// CleanName splits a schedule source name like "Emily VIP/TP TAYLOR" into a
// first and last name, dropping configured tokens. All-caps parts are
// title-cased. It fails when fewer than two parts remain.
func (r *Roster) CleanName(raw string) (first, last string, ok bool) {
	var parts []string
	for _, word := range strings.Fields(raw) {
		for _, p := range strings.Split(word, "/") {
			if p == "" || r.strip[strings.ToUpper(p)] {
				continue
			}
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return "", "", false
	}
	first = parts[0]
	last = strings.Join(parts[1:], " ")
	title := cases.Title(language.Und)
	if isUpper(first) {
		first = title.String(first)
	}
	if isUpper(last) {
		last = title.String(last)
	}
	return first, last, true
}

func isUpper(s string) bool {
	return s == strings.ToUpper(s) && s != strings.ToLower(s)
}

// Match resolves a cleaned name. Skip entries win over everything, then
// overrides, exact names and finally the fuzzy key (first three letters of
// the first name, first four of the last name).
func (r *Roster) Match(first, last string) (Match, bool) {
	full := first + " " + last
	key := normKey(full)
	m := Match{Method: MethodNone}

	if r.skip[key] {
		m.Method = MethodSkipped
		return m, false
	}
	if dst, ok := r.overrides[key]; ok {
		if e, ok := r.exact[dst]; ok {
			return Match{Display: e.display, UPN: e.upn, Method: MethodOverride}, true
		}
		appLog.Warn("name override points at unknown person", "source", full)
	}
	if e, ok := r.exact[key]; ok {
		return Match{Display: e.display, UPN: e.upn, Method: MethodExact}, true
	}
	fk := fuzzyKey(first, last)
	if e, ok := r.fuzzy[fk]; ok && !r.ambiguous[fk] {
		return Match{Display: e.display, UPN: e.upn, Method: MethodFuzzy}, true
	}
	return m, false
}

// Resolution is the outcome of mapping every source name of a schedule.
type Resolution struct {
	Desired   model.SlotsByOwner
	Matches   []Match
	Unmatched []string
	Skipped   []string
}

// Resolve maps every source name of s to an owner. Source names that land on
// the same owner have their slots merged without duplicates.
func (r *Roster) Resolve(s schedule.Schedules) Resolution {
	res := Resolution{Desired: make(model.SlotsByOwner)}
	merged := make(schedule.Schedules)

	for _, name := range s.Names() {
		first, last, ok := r.CleanName(name)
		if !ok {
			res.Unmatched = append(res.Unmatched, name)
			continue
		}
		m, ok := r.Match(first, last)
		if m.Method == MethodSkipped {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		if !ok {
			res.Unmatched = append(res.Unmatched, name)
			continue
		}
		m.Source = name
		_, m.Merged = merged[m.UPN]
		merged.Add(m.UPN, s[name]...)
		res.Matches = append(res.Matches, m)
	}

	for upn, slots := range merged {
		res.Desired[upn] = slots
	}
	sort.Strings(res.Unmatched)
	if len(res.Unmatched) > 0 {
		appLog.Warn("unmatched schedule names", "count", len(res.Unmatched), "names", strings.Join(res.Unmatched, ", "))
	}
	return res
}
