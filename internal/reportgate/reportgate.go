// Package reportgate implements the read-only report-gate adapter (§4.5
// "Report gate" row, §2 row G). Its caller is the `gyoshu status` command;
// the decision engine and the auto-loop controller do not call it. It never
// writes to the durable tree itself —
// report generation is out of scope (spec.md §1).
package reportgate

import (
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/gyoshu/internal/fsstore"
)

// requiredSections are matched case-insensitively as markdown headers.
var requiredSections = []string{"executive summary", "key findings", "conclusion"}

// artifactGlobs are the only path prefixes treated as artifact references
// subject to the "every artifact referenced exists on disk" check.
var artifactGlobs = []string{"figures/**", "models/**"}

var (
	headerRe   = regexp.MustCompile(`(?m)^#{1,6}\s+(.+?)\s*$`)
	linkPathRe = regexp.MustCompile(`\]\(([^)\s]+)\)`)
	findingRe  = regexp.MustCompile(`\[FINDING\]`)
)

// Violation is a single penalty applied against the initial score of 100.
type Violation struct {
	Reason   string `json:"reason"`
	Penalty  int    `json:"penalty"`
	Blocking bool   `json:"blocking"`
}

// Result is the outcome of Evaluate.
type Result struct {
	Score      int         `json:"score"`
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations"`
}

// Evaluate checks reportDir/README.md under store for structural
// completeness: the file exists, the three required sections are present,
// at least one finding marker is present, and every artifact referenced
// from the markdown body resolves to a real file. Each missing piece is a
// penalty against an initial score of 100; passed iff score>=80 and no
// violation is blocking (a missing report file or artifact is always
// blocking).
func Evaluate(store *fsstore.Store, reportDir string) Result {
	var violations []Violation
	score := 100

	readmePath := reportDir + "/README.md"
	exists, err := store.Exists(readmePath)
	if err != nil || !exists {
		violations = append(violations, Violation{Reason: "report file missing: " + readmePath, Penalty: 100, Blocking: true})
		return finalize(0, violations)
	}

	body, err := store.ReadFile(readmePath)
	if err != nil {
		violations = append(violations, Violation{Reason: "report file unreadable: " + err.Error(), Penalty: 100, Blocking: true})
		return finalize(0, violations)
	}
	text := string(body)

	present := presentSections(text)
	for _, section := range requiredSections {
		if !present[section] {
			score -= 20
			violations = append(violations, Violation{Reason: "missing required section: " + section, Penalty: 20})
		}
	}

	if !findingRe.MatchString(text) {
		score -= 20
		violations = append(violations, Violation{Reason: "no [FINDING] marker present", Penalty: 20})
	}

	for _, ref := range artifactReferences(text) {
		ok, err := store.Exists(reportDir + "/" + ref)
		if err != nil || !ok {
			score -= 10
			violations = append(violations, Violation{Reason: "referenced artifact missing: " + ref, Penalty: 10, Blocking: true})
		}
	}

	return finalize(score, violations)
}

func finalize(score int, violations []Violation) Result {
	if score < 0 {
		score = 0
	}
	blocking := false
	for _, v := range violations {
		if v.Blocking {
			blocking = true
			break
		}
	}
	return Result{Score: score, Passed: score >= 80 && !blocking, Violations: violations}
}

func presentSections(text string) map[string]bool {
	found := map[string]bool{}
	for _, m := range headerRe.FindAllStringSubmatch(text, -1) {
		header := strings.ToLower(strings.TrimSpace(m[1]))
		for _, section := range requiredSections {
			if header == section {
				found[section] = true
			}
		}
	}
	return found
}

// artifactReferences extracts markdown link targets that match one of the
// artifact glob prefixes (figures/**, models/**); other links (external
// URLs, citations) are ignored.
func artifactReferences(text string) []string {
	var refs []string
	for _, m := range linkPathRe.FindAllStringSubmatch(text, -1) {
		path := m[1]
		if strings.Contains(path, "://") {
			continue
		}
		for _, pattern := range artifactGlobs {
			if ok, _ := doublestar.Match(pattern, path); ok {
				refs = append(refs, path)
				break
			}
		}
	}
	return refs
}
