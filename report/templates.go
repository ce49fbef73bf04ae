package report

import (
	"html/template"

	"github.com/openprescribing/bnfwatch/bnf"
)

type section struct {
	Title   string
	Records []bnf.Record
}

type comparisonPage struct {
	Period   string
	Label    string
	Summary  bnf.Summary
	Cost     string
	Sections []section
}

type measureView struct {
	Title    string
	URL      string
	Comments template.HTML
	Records  []bnf.Record
}

type testingPage struct {
	Period      string
	January     bool
	ChangesURL  string
	PreviousURL string
	Measures    []measureView
}

type indexLink struct {
	Title string
	URL   string
}

const style = `
<style>
    body { font-family: Arial, sans-serif; background-color: #f8f9fa; margin: 20px; }
    table { border-collapse: collapse; table-layout: auto; margin-bottom: 20px; }
    table, th, td { border: 1px solid black; }
    th { background-color: #0485d1; color: white; padding: 8px; text-align: left; }
    td, tr th { padding: 8px; text-align: left; }
    tr:nth-child(even) { background-color: #f2f2f2; }
    a { color: #0485d1; }
    ul { list-style-type: none; padding: 0; }
    li { margin: 10px 0; }
</style>`

const recordTable = `{{define "records"}}<table>
<thead><tr><th>BNF_CODE</th><th>BNF_DESCRIPTION</th><th>CHEMICAL_SUBSTANCE_BNF_DESCR</th></tr></thead>
<tbody>
{{- range .}}
<tr><td>{{.Code}}</td><td>{{.Description}}</td><td>{{.Substance}}</td></tr>
{{- end}}
</tbody>
</table>{{end}}`

var comparisonTmpl = template.Must(template.New("comparison").Parse(recordTable + `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>BNF changes {{.Label}}</title>` + style + `
</head>
<body>
<h2>BNF changes for {{.Label}}</h2>
<p>{{.Summary.LatestRecords}} rows in {{.Period}} compared against {{.Summary.ExistingRecords}} rows seen previously.</p>
<ul>
<li>New codes: {{.Summary.NewCodes}} ({{.Summary.NewCodeItems}} items, £{{.Cost}})</li>
<li>New descriptions: {{.Summary.NewDescriptions}}</li>
{{- if .Summary.SubstancesCompared}}
<li>New chemical substances: {{.Summary.NewSubstances}}</li>
{{- end}}
<li>Description changed only: {{.Summary.DescriptionChangedOnly}}</li>
</ul>
{{- range .Sections}}
<h3>{{.Title}} ({{len .Records}})</h3>
{{- if .Records}}
{{template "records" .Records}}
{{- else}}
<p>None</p>
{{- end}}
{{- end}}
</body>
</html>
`))

var testingTmpl = template.Must(template.New("testing").Parse(recordTable + `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Monthly Testing Report for {{.Period}}</title>` + style + `
</head>
<body>
<h2>Monthly Testing Report for {{.Period}}</h2>
<p>This report details testing results for OpenPrescribing measures which have the flag testing_measure = true. Items appearing in the English Prescribing Data for {{.Period}} that have not previously appeared in the data (from Jan 2014).</p>
{{- if .January}}
<p><b>Please note:</b> January data often includes a larger number of "changes" as BNF structure changes are generally made in January data - <a href="{{.ChangesURL}}">more information here</a></p>
{{- end}}
<p><a href="{{.PreviousURL}}">View previous reports</a></p>
{{- if not .Measures}}
<h3>All tests passed</h3>
{{- else}}
<h2>Tests returning results:</h2>
{{- range .Measures}}
<a href="{{.URL}}"><h3>{{.Title}}</h3></a>
<p>{{.Comments}}</p>
{{template "records" .Records}}
{{- end}}
{{- end}}
</body>
</html>
`))

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>English Prescribing Data - Monthly Testing Reports</title>` + style + `
</head>
<body>
<h2>English Prescribing Data - Monthly Testing Reports</h2>
<ul>
{{- range .}}
<li><a href="{{.URL}}">{{.Title}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))
