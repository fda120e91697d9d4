package pipeline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"
)

// Test and package results. Incomplete marks tests that started but never
// reported an outcome, as happens when the test binary crashes or is killed.
const (
	ResultPass       = "pass"
	ResultFail       = "fail"
	ResultSkip       = "skip"
	ResultIncomplete = "incomplete"
)

// testEvent is one line of `go test -json` output.
type testEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// TestCase is the aggregated result of a single test.
type TestCase struct {
	Name    string
	Result  string
	Elapsed float64
	Output  string
}

// PackageResult aggregates the tests of one package.
type PackageResult struct {
	Name    string
	Result  string
	Elapsed float64
	Tests   []*TestCase
	// Output holds package level lines such as build failures.
	Output string
}

// Summary is everything the HTML report shows.
type Summary struct {
	RunID      string
	Generated  time.Time
	Packages   []*PackageResult
	Passed     int
	Failed     int
	Skipped    int
	Incomplete int
	// Unparsed counts lines that were not test events.
	Unparsed int
	// Missing is set when there was no results file at all.
	Missing bool
}

// Total is the number of tests seen.
func (s *Summary) Total() int {
	return s.Passed + s.Failed + s.Skipped + s.Incomplete
}

// Status is "failed" when anything failed or did not finish.
func (s *Summary) Status() string {
	if s.Missing || s.Failed > 0 || s.Incomplete > 0 {
		return StatusFailed
	}
	for _, p := range s.Packages {
		if p.Result == ResultFail || p.Result == ResultIncomplete {
			return StatusFailed
		}
	}
	return StatusPassed
}

// Event lines longer than this are counted as unparsed and skipped.
const maxEventLine = 4 * 1024 * 1024

// ParseResults aggregates a `go test -json` stream. It never fails on bad
// input: undecodable or oversized lines are counted and truncated streams
// leave tests incomplete. Only read errors are returned.
func ParseResults(r io.Reader) (*Summary, error) {
	packages := map[string]*PackageResult{}
	tests := map[string]*TestCase{}
	outputs := map[string]*strings.Builder{}
	summary := &Summary{}

	pkg := func(name string) *PackageResult {
		p, ok := packages[name]
		if !ok {
			p = &PackageResult{Name: name}
			packages[name] = p
		}
		return p
	}
	out := func(key, line string) {
		b, ok := outputs[key]
		if !ok {
			b = &strings.Builder{}
			outputs[key] = b
		}
		b.WriteString(line)
	}

	oversized, err := eachLine(r, maxEventLine, func(line []byte) {
		if len(strings.TrimSpace(string(line))) == 0 {
			return
		}

		var ev testEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Action == "" {
			summary.Unparsed++
			return
		}

		p := pkg(ev.Package)
		if ev.Test == "" {
			switch ev.Action {
			case "output":
				out(ev.Package, ev.Output)
			case ResultPass, ResultFail, ResultSkip:
				p.Result = ev.Action
				p.Elapsed = ev.Elapsed
			}
			return
		}

		key := ev.Package + "\x00" + ev.Test
		tc, ok := tests[key]
		if !ok {
			tc = &TestCase{Name: ev.Test, Result: ResultIncomplete}
			tests[key] = tc
			p.Tests = append(p.Tests, tc)
		}
		switch ev.Action {
		case "output":
			out(key, ev.Output)
		case ResultPass, ResultFail, ResultSkip:
			tc.Result = ev.Action
			tc.Elapsed = ev.Elapsed
		}
	})
	summary.Unparsed += oversized
	if err != nil {
		return nil, fmt.Errorf("reading test results: %w", err)
	}

	for key, tc := range tests {
		switch tc.Result {
		case ResultPass:
			summary.Passed++
		case ResultFail:
			summary.Failed++
		case ResultSkip:
			summary.Skipped++
		default:
			summary.Incomplete++
		}
		// Keep output only where someone needs to read it.
		if tc.Result != ResultPass {
			if b, ok := outputs[key]; ok {
				tc.Output = b.String()
			}
		}
	}

	for name, p := range packages {
		if p.Result == "" {
			p.Result = ResultIncomplete
		}
		if p.Result != ResultPass {
			if b, ok := outputs[name]; ok {
				p.Output = b.String()
			}
		}
		sort.SliceStable(p.Tests, func(i, j int) bool { return p.Tests[i].Name < p.Tests[j].Name })
		summary.Packages = append(summary.Packages, p)
	}
	sort.Slice(summary.Packages, func(i, j int) bool { return summary.Packages[i].Name < summary.Packages[j].Name })

	return summary, nil
}

// ParseResultsFile is ParseResults over a file. A missing file yields an
// empty summary flagged Missing so a report can still be rendered.
func ParseResultsFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Summary{Missing: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening test results: %w", err)
	}
	defer f.Close()
	return ParseResults(f)
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"seconds": func(f float64) string { return fmt.Sprintf("%.2fs", f) },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Test report {{.RunID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
td, th { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
.pass { color: #1a7f37; } .fail, .incomplete { color: #cf222e; } .skip { color: #9a6700; }
pre { background: #f6f8fa; padding: 8px; overflow-x: auto; }
</style>
</head>
<body>
<h1 class="{{if eq .Status "passed"}}pass{{else}}fail{{end}}">Test report: {{.Status}}</h1>
<p>Run {{.RunID}}, generated {{.Generated.Format "2006-01-02 15:04:05 MST"}}</p>
{{- if .Missing}}
<p class="fail">No test results were produced. The test step did not run or crashed before writing output.</p>
{{- end}}
<table>
<tr><th>Total</th><th>Passed</th><th>Failed</th><th>Skipped</th><th>Incomplete</th></tr>
<tr><td>{{.Total}}</td><td class="pass">{{.Passed}}</td><td class="fail">{{.Failed}}</td><td class="skip">{{.Skipped}}</td><td class="incomplete">{{.Incomplete}}</td></tr>
</table>
{{- if .Unparsed}}
<p>{{.Unparsed}} line(s) of the results file were not test events.</p>
{{- end}}
{{- range .Packages}}
<h2 class="{{.Result}}">{{.Name}} ({{.Result}}, {{seconds .Elapsed}})</h2>
{{- if .Output}}
<pre>{{.Output}}</pre>
{{- end}}
{{- if .Tests}}
<table>
<tr><th>Test</th><th>Result</th><th>Time</th></tr>
{{- range .Tests}}
<tr><td>{{.Name}}</td><td class="{{.Result}}">{{.Result}}</td><td>{{seconds .Elapsed}}</td></tr>
{{- if .Output}}
<tr><td colspan="3"><pre>{{.Output}}</pre></td></tr>
{{- end}}
{{- end}}
</table>
{{- end}}
{{- end}}
</body>
</html>
`))

// eachLine calls fn with every line of r, without its line ending. Lines
// longer than limit are discarded and counted instead. The slice passed to fn
// is reused between calls.
func eachLine(r io.Reader, limit int, fn func(line []byte)) (oversized int, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	dropping := false

	for {
		chunk, more, err := br.ReadLine()
		if errors.Is(err, io.EOF) {
			return oversized, nil
		}
		if err != nil {
			return oversized, err
		}

		if !dropping && len(line)+len(chunk) > limit {
			dropping = true
		}
		if !dropping {
			line = append(line, chunk...)
		}
		if more {
			continue
		}

		if dropping {
			oversized++
		} else {
			fn(line)
		}
		line, dropping = line[:0], false
	}
}

// RenderHTML writes the summary as a standalone HTML page.
func RenderHTML(w io.Writer, s *Summary) error {
	if err := reportTemplate.Execute(w, s); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	return nil
}

// WriteReport converts the results file into the HTML report file.
func WriteReport(resultsPath, reportPath, runID string, now time.Time) (*Summary, error) {
	summary, err := ParseResultsFile(resultsPath)
	if err != nil {
		return nil, err
	}
	summary.RunID = runID
	summary.Generated = now.UTC()

	f, err := os.Create(reportPath)
	if err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}
	if err := RenderHTML(f, summary); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("writing report: %w", err)
	}
	return summary, nil
}
