package roster

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
	"calsync/internal/schedule"
)

var people = []Person{
	{FirstName: "Émilie", LastName: "Dubois"},
	{FirstName: "Sophie", LastName: "Paré"},
	{FirstName: "Jean-Luc", LastName: "Martin"},
	{FirstName: "Naima", LastName: "Ben Ali"},
	{FirstName: "Christopher", LastName: "Taylor"},
}

func newRoster() *Roster {
	return New(people, Options{
		Domain:      "school.example",
		StripTokens: []string{"MAIN", "CR", "SFS", "VIP", "TP"},
		Overrides:   map[string]string{"Chris Tailor": "Christopher Taylor"},
		Skip:        []string{"Guest Teacher"},
	})
}

func TestUPN(t *testing.T) {
	assert.Equal(t, "emilie.dubois@school.example", UPN("Émilie", "Dubois", "school.example"))
	assert.Equal(t, "jeanluc.martin@school.example", UPN("Jean-Luc", "Martin", "school.example"))
	assert.Equal(t, "naima.ben.ali@school.example", UPN("Naima", "Ben Ali", "school.example"))
	assert.Equal(t, "sean.oneil@school.example", UPN("Seán", "O'Neil", "school.example"))
}

func TestStripAccents(t *testing.T) {
	assert.Equal(t, "Elodie Pare Muller", StripAccents("Élodie Paré Müller"))
}

func TestCleanName(t *testing.T) {
	r := newRoster()
	cases := []struct {
		raw, first, last string
		ok               bool
	}{
		{"Emily VIP/TP TAYLOR", "Emily", "Taylor", true},
		{"SOPHIE PARE MAIN", "Sophie", "Pare", true},
		{"Naima BEN ALI", "Naima", "Ben Ali", true},
		{"SFS CR Dubois", "", "", false},
		{"   ", "", "", false},
	}
	for _, tc := range cases {
		first, last, ok := r.CleanName(tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.first, first, tc.raw)
		assert.Equal(t, tc.last, last, tc.raw)
	}
}

func TestMatch(t *testing.T) {
	r := newRoster()

	m, ok := r.Match("Emilie", "Dubois")
	require.True(t, ok)
	assert.Equal(t, MethodExact, m.Method)
	assert.Equal(t, "emilie.dubois@school.example", m.UPN)
	assert.Equal(t, "Émilie Dubois", m.Display)

	m, ok = r.Match("Sophia", "Pareto")
	require.True(t, ok)
	assert.Equal(t, MethodFuzzy, m.Method)
	assert.Equal(t, "sophie.pare@school.example", m.UPN)

	m, ok = r.Match("Chris", "Tailor")
	require.True(t, ok)
	assert.Equal(t, MethodOverride, m.Method)
	assert.Equal(t, "christopher.taylor@school.example", m.UPN)

	m, ok = r.Match("Guest", "Teacher")
	assert.False(t, ok)
	assert.Equal(t, MethodSkipped, m.Method)

	m, ok = r.Match("Nobody", "Known")
	assert.False(t, ok)
	assert.Equal(t, MethodNone, m.Method)
}

func TestMatch_AmbiguousFuzzyKeyIsRejected(t *testing.T) {
	r := New([]Person{
		{FirstName: "Marc", LastName: "Dupont"},
		{FirstName: "Marco", LastName: "Dupontel"},
	}, Options{Domain: "x"})

	_, ok := r.Match("Marcel", "Dupond")
	assert.False(t, ok)

	m, ok := r.Match("Marco", "Dupontel")
	require.True(t, ok)
	assert.Equal(t, MethodExact, m.Method)
}

func TestResolve(t *testing.T) {
	mon, _ := model.ParseClock("09:00")
	ten, _ := model.ParseClock("10:00")
	slot := func(d time.Weekday) model.Slot {
		return model.Weekly{Day: model.NewWeekday(d), Start: mon, End: ten}
	}
	s := schedule.Schedules{
		"SOPHIE PARE":         {slot(time.Monday)},
		"Sophie PARE MAIN":    {slot(time.Monday), slot(time.Tuesday)},
		"Emilie DUBOIS":       {slot(time.Friday)},
		"Guest TEACHER":       {slot(time.Monday)},
		"Unknown PERSON":      {slot(time.Monday)},
		"CR":                  {slot(time.Monday)},
		"Emily VIP/TP TAYLOR": {slot(time.Monday)},
	}

	res := newRoster().Resolve(s)

	assert.Equal(t, []string{"CR", "Emily VIP/TP TAYLOR", "Unknown PERSON"}, res.Unmatched)
	assert.Equal(t, []string{"Guest TEACHER"}, res.Skipped)
	assert.Equal(t, model.SlotsByOwner{
		"sophie.pare@school.example":   {slot(time.Monday), slot(time.Tuesday)},
		"emilie.dubois@school.example": {slot(time.Friday)},
	}, res.Desired)

	require.Len(t, res.Matches, 3)
	assert.Equal(t, "Emilie DUBOIS", res.Matches[0].Source)
	assert.Equal(t, "SOPHIE PARE", res.Matches[1].Source)
	assert.False(t, res.Matches[1].Merged)
	assert.Equal(t, "Sophie PARE MAIN", res.Matches[2].Source)
	assert.True(t, res.Matches[2].Merged)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teachers.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"firstname":"Émilie","lastname":"Dubois"}]`), 0o600))
	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []Person{{FirstName: "Émilie", LastName: "Dubois"}}, got)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
