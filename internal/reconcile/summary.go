package reconcile

import (
	"fmt"
	"strings"
)

// FormatSummary renders diff for humans, listing at most limit entries per
// section (all of them when limit <= 0).
func FormatSummary(diff Diff, limit int) string {
	var b strings.Builder
	c := diff.Counts()
	fmt.Fprintf(&b, "  Added: %d  |  Removed: %d  |  Changed: %d  |  Unchanged: %d\n",
		c.Added, c.Removed, c.Changed, c.Unchanged)

	section(&b, "New:", len(diff.Added), limit, func(i int) string {
		a := diff.Added[i]
		return fmt.Sprintf("+ %s: %s", shortOwner(a.Owner), a.Slot)
	})
	section(&b, "Removed:", len(diff.Removed), limit, func(i int) string {
		r := diff.Removed[i]
		return fmt.Sprintf("- %s: %s", shortOwner(r.Owner), r.Event)
	})
	section(&b, "Changed:", len(diff.Changed), limit, func(i int) string {
		ch := diff.Changed[i]
		return fmt.Sprintf("~ %s: %s -> %s", shortOwner(ch.Owner), ch.Old, ch.New)
	})
	return strings.TrimSuffix(b.String(), "\n")
}

func section(b *strings.Builder, title string, n, limit int, line func(int) string) {
	if n == 0 {
		return
	}
	b.WriteString("  " + title + "\n")
	shown := n
	if limit > 0 && n > limit {
		shown = limit
	}
	for i := 0; i < shown; i++ {
		b.WriteString("    " + line(i) + "\n")
	}
	if shown < n {
		fmt.Fprintf(b, "    ... and %d more\n", n-shown)
	}
}

// shortOwner drops the mail domain of a UPN.
func shortOwner(owner string) string {
	user, _, _ := strings.Cut(owner, "@")
	return user
}
