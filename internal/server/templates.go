package server

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"

	"github.com/tkingovr/txguard/api"
)

var funcMap = template.FuncMap{
	"upper":  strings.ToUpper,
	"short":  shortDigest,
	"badge":  dispositionColor,
	"action": func(r *api.AttestationRecord) string { return string(r.Action()) },
}

var pageTmpls = map[string]*template.Template{
	"overview": template.Must(template.New("overview").Funcs(funcMap).Parse(navHTML + rowsHTML + overviewHTML)),
	"records":  template.Must(template.New("records").Funcs(funcMap).Parse(navHTML + rowsHTML + recordsHTML)),
	"reviews":  template.Must(template.New("reviews").Funcs(funcMap).Parse(navHTML + rowsHTML + reviewsHTML)),
}

func renderPage(w http.ResponseWriter, name string, data map[string]any) {
	tmpl, ok := pageTmpls[name]
	if !ok {
		http.Error(w, "unknown page: "+name, http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func dispositionColor(d api.Disposition) string {
	switch d {
	case api.DispositionPass:
		return "bg-green-900 text-green-300"
	case api.DispositionStop:
		return "bg-red-900 text-red-300"
	case api.DispositionAdvise:
		return "bg-yellow-900 text-yellow-300"
	default:
		return "bg-gray-700 text-gray-300"
	}
}

const navHTML = `{{define "nav"}}
<nav class="bg-gray-900 border-b border-gray-700 px-6 py-4">
    <div class="flex items-center justify-between max-w-7xl mx-auto">
        <div class="flex items-center space-x-2">
            <span class="text-xl font-bold text-white">txguard</span>
            <span class="text-xs bg-gray-700 text-gray-300 px-2 py-1 rounded">Attestations</span>
        </div>
        <div class="flex space-x-4">
            <a href="/" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "overview"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Overview</a>
            <a href="/records" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "records"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Records</a>
            <a href="/reviews" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "reviews"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Reviews</a>
        </div>
    </div>
</nav>
{{end}}`

const rowsHTML = `{{define "rows"}}
<table class="w-full text-sm text-left">
    <thead class="bg-gray-800 text-gray-400 uppercase text-xs">
        <tr>
            <th class="px-4 py-3">Time</th>
            <th class="px-4 py-3">Digest</th>
            <th class="px-4 py-3">Chain</th>
            <th class="px-4 py-3">Action</th>
            <th class="px-4 py-3">Intent</th>
            <th class="px-4 py-3">Verdict</th>
            <th class="px-4 py-3">Attempts</th>
        </tr>
    </thead>
    <tbody>
        {{range .}}
        <tr class="border-b border-gray-700 hover:bg-gray-800">
            <td class="px-4 py-2 text-gray-400 text-xs">{{.CreatedAt.Format "2006-01-02 15:04:05"}}</td>
            <td class="px-4 py-2 font-mono text-xs"><a href="/v1/attestations/{{.Digest}}">{{short .Digest}}</a></td>
            <td class="px-4 py-2">{{.Transcript.Request.Transaction.ChainID}}</td>
            <td class="px-4 py-2">{{action .}}</td>
            <td class="px-4 py-2 max-w-xs truncate">{{.Transcript.Request.Intent}}</td>
            <td class="px-4 py-2"><span class="px-2 py-1 rounded text-xs font-bold {{badge .Transcript.Verdict.Disposition}}">{{.Transcript.Verdict.Disposition}}{{if .Transcript.Verdict.Incomplete}} (incomplete){{end}}</span></td>
            <td class="px-4 py-2 text-gray-400">{{len .Transcript.Attempts}}</td>
        </tr>
        {{else}}
        <tr><td colspan="7" class="px-4 py-6 text-center text-gray-500">No records yet</td></tr>
        {{end}}
    </tbody>
</table>
{{end}}`

const headHTML = `<!DOCTYPE html>
<html lang="en" class="dark">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>txguard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <style>body { background-color: #0f172a; color: #e2e8f0; }</style>
</head>
<body class="min-h-screen">
{{template "nav" .}}
<main class="max-w-7xl mx-auto px-6 py-8">`

const footHTML = `</main>
</body>
</html>`

const overviewHTML = headHTML + `
<h1 class="text-2xl font-bold mb-6">Overview</h1>
<div class="grid grid-cols-1 md:grid-cols-4 gap-6 mb-8">
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <div class="text-gray-400 text-sm mb-1">Audits</div>
        <div class="text-3xl font-bold text-white">{{.Stats.Total}}</div>
    </div>
    <div class="bg-gray-900 border border-green-900 rounded-lg p-6">
        <div class="text-green-400 text-sm mb-1">Pass</div>
        <div class="text-3xl font-bold text-green-300">{{.Stats.Pass}}</div>
    </div>
    <div class="bg-gray-900 border border-yellow-900 rounded-lg p-6">
        <div class="text-yellow-400 text-sm mb-1">Advise</div>
        <div class="text-3xl font-bold text-yellow-300">{{.Stats.Advise}}</div>
    </div>
    <div class="bg-gray-900 border border-red-900 rounded-lg p-6">
        <div class="text-red-400 text-sm mb-1">Stop</div>
        <div class="text-3xl font-bold text-red-300">{{.Stats.Stop}}</div>
        <div class="text-xs text-gray-500 mt-1">{{.Stats.Incomplete}} incomplete</div>
    </div>
</div>
<div class="grid grid-cols-1 md:grid-cols-2 gap-6 mb-8">
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <h2 class="text-lg font-bold mb-4">By Action</h2>
        {{range $action, $count := .Stats.ByAction}}
        <div class="flex justify-between py-1 border-b border-gray-800">
            <span class="text-gray-300 font-mono text-sm">{{$action}}</span>
            <span class="text-gray-400">{{$count}}</span>
        </div>
        {{else}}<p class="text-gray-500">No data yet</p>{{end}}
    </div>
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <h2 class="text-lg font-bold mb-4">By Chain</h2>
        {{range $chain, $count := .Stats.ByChain}}
        <div class="flex justify-between py-1 border-b border-gray-800">
            <span class="text-gray-300 font-mono text-sm">{{$chain}}</span>
            <span class="text-gray-400">{{$count}}</span>
        </div>
        {{else}}<p class="text-gray-500">No data yet</p>{{end}}
    </div>
</div>
<h2 class="text-lg font-bold mb-4">Recent</h2>
<div class="bg-gray-900 border border-gray-700 rounded-lg overflow-hidden">
{{template "rows" .Records}}
</div>
` + footHTML

const recordsHTML = headHTML + `
<div class="flex justify-between items-center mb-6">
    <h1 class="text-2xl font-bold">Records</h1>
    <span class="text-sm text-gray-400">newest first{{if .Filter.Disposition}}, {{.Filter.Disposition}} only{{end}}</span>
</div>
<div class="bg-gray-900 border border-gray-700 rounded-lg overflow-hidden">
{{template "rows" .Records}}
</div>
` + footHTML

const reviewsHTML = headHTML + `
<h1 class="text-2xl font-bold mb-6">Pending Reviews</h1>
<div class="space-y-4 mb-8">
    {{range .Pending}}
    <div class="bg-gray-900 border border-yellow-900 rounded-lg p-6">
        <div class="flex justify-between items-start">
            <div>
                <div class="text-sm text-gray-400">{{.ID}} &middot; chain {{.ChainID}} &middot; {{.CreatedAt.Format "15:04:05"}}</div>
                <div class="text-lg text-white mt-1">{{.Intent}}</div>
                <div class="font-mono text-xs text-gray-400 mt-1">to {{.To}} &middot; <a href="/v1/attestations/{{.Digest}}">{{short .Digest}}</a></div>
                <ul class="mt-3 text-sm text-yellow-300 list-disc list-inside">
                    {{range .Rationale}}<li>{{.Message}}</li>{{end}}
                </ul>
            </div>
            <div class="flex space-x-2">
                <form method="post" action="/v1/reviews/{{.ID}}/approve"><input type="hidden" name="redirect" value="1">
                    <button class="px-4 py-2 rounded bg-green-800 hover:bg-green-700 text-white">Approve</button></form>
                <form method="post" action="/v1/reviews/{{.ID}}/deny"><input type="hidden" name="redirect" value="1">
                    <button class="px-4 py-2 rounded bg-red-800 hover:bg-red-700 text-white">Deny</button></form>
            </div>
        </div>
    </div>
    {{else}}
    <p class="text-gray-500">Nothing waiting for review</p>
    {{end}}
</div>
<h2 class="text-lg font-bold mb-4">History</h2>
<div class="bg-gray-900 border border-gray-700 rounded-lg overflow-hidden">
<table class="w-full text-sm text-left">
    <thead class="bg-gray-800 text-gray-400 uppercase text-xs">
        <tr><th class="px-4 py-3">ID</th><th class="px-4 py-3">Digest</th><th class="px-4 py-3">Intent</th><th class="px-4 py-3">Status</th></tr>
    </thead>
    <tbody>
        {{range .All}}
        <tr class="border-b border-gray-700">
            <td class="px-4 py-2 text-gray-400">{{.ID}}</td>
            <td class="px-4 py-2 font-mono text-xs">{{short .Digest}}</td>
            <td class="px-4 py-2 max-w-xs truncate">{{.Intent}}</td>
            <td class="px-4 py-2">{{.Status}}</td>
        </tr>
        {{end}}
    </tbody>
</table>
</div>
` + footHTML
